package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/asaavedra/filament-agent/pkg/ingest"
	"github.com/asaavedra/filament-agent/pkg/normalizer"
	"github.com/asaavedra/filament-agent/pkg/sink"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/transport"
)

// Config contiene la configuración global del agente
type Config struct {
	Agent struct {
		ID      string `yaml:"id"` // vacío: AGENT_ID o AGT-<hostname>
		Version string `yaml:"version"`
	} `yaml:"agent"`

	// Transportes
	MQTT struct {
		Enabled bool                 `yaml:"enabled"`
		Config  transport.MQTTConfig `yaml:",inline"`
	} `yaml:"mqtt"`
	SNMP struct {
		Enabled bool                 `yaml:"enabled"`
		Config  transport.SNMPConfig `yaml:",inline"`
	} `yaml:"snmp"`

	// Ingestión (colas, ETA, tracker)
	Ingest ingest.Config `yaml:"ingest"`

	// Sinks
	Sinks struct {
		Store struct {
			Path string `yaml:"path"`
		} `yaml:"store"`
		File struct {
			Path string `yaml:"path"` // spool de eventos no entregados
		} `yaml:"file"`
		HTTP struct {
			Enabled        bool          `yaml:"enabled"`
			Endpoint       string        `yaml:"endpoint"`
			AuthToken      string        `yaml:"auth_token"`
			Timeout        time.Duration `yaml:"timeout"`
			ReplayInterval time.Duration `yaml:"replay_interval"`
		} `yaml:"http"`
		Retry sink.RetryPolicy `yaml:"retry"`
	} `yaml:"sinks"`

	// API HTTP de solo lectura
	API struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"api"`

	// Vendors declarativos: archivo de reglas y/o reglas inline
	Vendors struct {
		RulesFile string                  `yaml:"rules_file"`
		Rules     []normalizer.RuleConfig `yaml:"rules"`
	} `yaml:"vendors"`

	// Inventario de spools
	Spools struct {
		Dir      string          `yaml:"dir"` // persistencia de loadouts (opcional)
		Loadouts []LoadoutConfig `yaml:"loadouts"`
	} `yaml:"spools"`

	// Logging
	Logging struct {
		Verbose bool   `yaml:"verbose"`
		Level   string `yaml:"level"`  // debug | info | warn | error
		Format  string `yaml:"format"` // text | json
	} `yaml:"logging"`
}

// LoadoutConfig carga un spool en un slot. Slot -1 es el spool externo.
type LoadoutConfig struct {
	Printer string      `yaml:"printer"`
	Slot    int         `yaml:"slot"`
	Spool   SpoolConfig `yaml:"spool"`
}

// SpoolConfig es un spool.Spool en YAML.
type SpoolConfig struct {
	ID             string  `yaml:"id"`
	Material       string  `yaml:"material"`
	Brand          string  `yaml:"brand"`
	Color          string  `yaml:"color"`
	DiameterMM     float64 `yaml:"diameter_mm"`
	DensityGCM3    float64 `yaml:"density_g_cm3"`
	RemainingGrams float64 `yaml:"remaining_grams"`
}

func (c SpoolConfig) toSpool() spool.Spool {
	return spool.Spool{
		ID:             c.ID,
		Material:       c.Material,
		Brand:          c.Brand,
		Color:          c.Color,
		DiameterMM:     c.DiameterMM,
		DensityGCM3:    c.DensityGCM3,
		RemainingGrams: c.RemainingGrams,
	}
}

// LoadConfig carga la configuración desde config.yaml. Los campos
// ausentes conservan los valores de DefaultConfig.
func LoadConfig(filePath string) (Config, error) {
	cfg := DefaultConfig()

	// Leer archivo
	data, err := os.ReadFile(filePath)
	if err != nil {
		return cfg, fmt.Errorf("error leyendo %s: %w", filePath, err)
	}

	// Parsear YAML
	err = yaml.Unmarshal(data, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("error parseando YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate revisa combinaciones que fallarían recién al arrancar.
func (c Config) Validate() error {
	if c.MQTT.Enabled && c.MQTT.Config.Broker == "" {
		return fmt.Errorf("mqtt.broker requerido con mqtt.enabled")
	}
	if c.MQTT.Enabled && len(c.MQTT.Config.Subscriptions) == 0 {
		return fmt.Errorf("mqtt.subscriptions vacío")
	}
	if c.SNMP.Enabled && len(c.SNMP.Config.Ranges) == 0 {
		return fmt.Errorf("snmp.ranges requerido con snmp.enabled")
	}
	if c.Sinks.HTTP.Enabled && c.Sinks.HTTP.Endpoint == "" {
		return fmt.Errorf("sinks.http.endpoint requerido con sinks.http.enabled")
	}
	for i, l := range c.Spools.Loadouts {
		if l.Printer == "" || l.Spool.ID == "" {
			return fmt.Errorf("spools.loadouts[%d]: printer y spool.id son requeridos", i)
		}
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format inválido: %q", c.Logging.Format)
	}
	return nil
}

// DefaultConfig retorna la configuración por defecto
func DefaultConfig() Config {
	cfg := Config{}
	cfg.Agent.Version = "0.1.0"
	cfg.MQTT.Config.ClientID = "filament-agent"
	cfg.MQTT.Config.ConnectTimeout = 10 * time.Second
	cfg.SNMP.Config.Community = "public"
	cfg.SNMP.Config.Version = "2c"
	cfg.SNMP.Config.Port = 161
	cfg.SNMP.Config.Timeout = 2 * time.Second
	cfg.SNMP.Config.Retries = 1
	cfg.SNMP.Config.Interval = 30 * time.Second
	cfg.SNMP.Config.MaxConcurrent = 10
	cfg.Ingest = ingest.DefaultConfig()
	cfg.Sinks.Store.Path = "./data/agent.db"
	cfg.Sinks.File.Path = "./queue"
	cfg.Sinks.HTTP.Timeout = 10 * time.Second
	cfg.Sinks.HTTP.ReplayInterval = time.Minute
	cfg.Sinks.Retry = sink.DefaultRetryPolicy()
	cfg.API.Enabled = true
	cfg.API.Listen = ":8080"
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return cfg
}
