package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/asaavedra/filament-agent/pkg/api"
	"github.com/asaavedra/filament-agent/pkg/broadcast"
	"github.com/asaavedra/filament-agent/pkg/canonical"
	"github.com/asaavedra/filament-agent/pkg/clock"
	"github.com/asaavedra/filament-agent/pkg/ingest"
	"github.com/asaavedra/filament-agent/pkg/normalizer"
	"github.com/asaavedra/filament-agent/pkg/sink"
	"github.com/asaavedra/filament-agent/pkg/spool"
	"github.com/asaavedra/filament-agent/pkg/store"
	"github.com/asaavedra/filament-agent/pkg/telemetry"
	"github.com/asaavedra/filament-agent/pkg/transport"
)

func main() {
	// Flags
	flagSet := pflag.NewFlagSet("filament-agent", pflag.ContinueOnError)
	configFile := flagSet.StringP("config", "c", "config.yaml", "Archivo de configuración")
	verbose := flagSet.BoolP("verbose", "v", false, "Modo verbose (override de config)")
	listen := flagSet.String("listen", "", "Override de la dirección de la API (ej: :8080)")
	storePath := flagSet.String("store", "", "Override del archivo de base local")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	// Cargar configuración desde YAML
	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  No se pudo leer %s: %v\n", *configFile, err)
		if !errors.Is(err, os.ErrNotExist) {
			os.Exit(1)
		}
		cfg = DefaultConfig()
	}

	// Override con flags si se proporcionan
	if *verbose {
		cfg.Logging.Verbose = true
	}
	if *listen != "" {
		cfg.API.Enabled = true
		cfg.API.Listen = *listen
	}
	if *storePath != "" {
		cfg.Sinks.Store.Path = *storePath
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("agent failed", "err", err)
		os.Exit(1)
	}
}

// run arma el pipeline fuentes → ingestión → sinks y bloquea hasta que
// ctx se cancela.
func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	startTime := time.Now()
	clk := clock.Real()
	source := telemetry.DetectSource(cfg.Agent.ID, cfg.Agent.Version)

	fmt.Printf("🚀 Agente %s (%s) en %s/%s\n", source.AgentID, source.Version, source.Hostname, source.OS)

	mapper, err := buildMapper(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("🔎 Vendors: %s\n", strings.Join(mapper.Vendors(), ", "))

	// Store local
	if err := os.MkdirAll(filepath.Dir(cfg.Sinks.Store.Path), 0755); err != nil {
		return fmt.Errorf("error creando directorio del store: %w", err)
	}
	db, err := store.Open(cfg.Sinks.Store.Path)
	if err != nil {
		return err
	}

	registry, err := buildSpools(cfg, db, logger)
	if err != nil {
		db.Close()
		return err
	}

	persist, replay, err := buildPersistence(cfg, db, clk, logger)
	if err != nil {
		db.Close()
		return err
	}
	defer func() {
		if err := persist.Close(); err != nil {
			logger.Error("closing sinks", "err", err)
		}
	}()

	bus := broadcast.New()
	defer bus.Close()

	dispatcher := ingest.New(cfg.Ingest, ingest.Deps{
		Mapper:    mapper,
		Spools:    registry,
		Builder:   telemetry.NewBuilder(source),
		Persist:   persist,
		Broadcast: bus,
		Clock:     clk,
		Logger:    logger.With("component", "ingest"),
	})

	sources, err := buildSources(cfg, clk, logger)
	if err != nil {
		return err
	}
	if len(sources) == 0 {
		logger.Warn("no transports enabled; only the api will answer")
	}

	var wg sync.WaitGroup
	in := make(chan transport.Message, 256)

	for _, src := range sources {
		wg.Add(1)
		go func(src transport.Source) {
			defer wg.Done()
			if err := src.Run(ctx, in); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("source stopped", "source", src.Name(), "err", err)
			}
		}(src)
		fmt.Printf("📡 Fuente %s activa\n", src.Name())
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		replay(ctx)
	}()

	var server *api.Server
	if cfg.API.Enabled {
		server = api.NewServer(cfg.API.Listen, bus, db, dispatcher, source, logger.With("component", "api"))
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Error("api stopped", "err", err)
			}
		}()
	}

	// Bloquea hasta la señal; al volver las sesiones ya se vaciaron
	if err := dispatcher.Run(ctx, in); err != nil && !errors.Is(err, ingest.ErrClosed) {
		logger.Error("ingest loop stopped", "err", err)
	}
	wg.Wait()

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("api shutdown", "err", err)
		}
	}

	stats := dispatcher.Stats()
	fmt.Printf("\n✅ Agente detenido tras %v\n", time.Since(startTime).Round(time.Second))
	fmt.Printf("   Mensajes: %d recibidos, %d procesados, %d descartados\n", stats.Received, stats.Processed, stats.Dropped)
	fmt.Printf("   Registros de consumo: %d (errores de persistencia: %d)\n", stats.UsageRecords, stats.PersistErrors)
	fmt.Printf("   Anomalías: %d\n", stats.Anomalies)
	return nil
}

// buildMapper registra las reglas declarativas sobre las incluidas.
func buildMapper(cfg Config) (*normalizer.Mapper, error) {
	mapper := normalizer.Default()

	var rules []normalizer.Rule
	if cfg.Vendors.RulesFile != "" {
		loaded, err := normalizer.LoadRules(cfg.Vendors.RulesFile)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}
	inline, err := normalizer.BuildRules(cfg.Vendors.Rules)
	if err != nil {
		return nil, fmt.Errorf("vendors.rules: %w", err)
	}
	rules = append(rules, inline...)

	for _, rule := range rules {
		if err := mapper.Register(rule); err != nil {
			return nil, err
		}
	}
	return mapper, nil
}

// buildSpools carga el inventario en el registry y lo siembra en el
// store. El saldo de un spool ya conocido por el store se conserva.
func buildSpools(cfg Config, db *store.Store, logger *slog.Logger) (*spool.Registry, error) {
	registry, err := spool.NewRegistry(cfg.Spools.Dir, logger.With("component", "spools"))
	if err != nil {
		return nil, err
	}
	if cfg.Spools.Dir != "" {
		if err := registry.LoadAll(); err != nil {
			return nil, err
		}
	}

	// La configuración manda: los slots persistidos que ya no figuran en
	// la carga configurada de una impresora se descargan
	configured := make(map[string]map[int]bool)
	for _, l := range cfg.Spools.Loadouts {
		if configured[l.Printer] == nil {
			configured[l.Printer] = make(map[int]bool)
		}
		configured[l.Printer][l.Slot] = true
	}
	for printerID, slots := range configured {
		loadout := registry.Loadout(printerID)
		if loadout == nil {
			continue
		}
		stale := make([]int, 0)
		for slot := range loadout.Slots {
			if !slots[slot] {
				stale = append(stale, slot)
			}
		}
		if loadout.External != nil && !slots[canonical.ExternalSlot] {
			stale = append(stale, canonical.ExternalSlot)
		}
		for _, slot := range stale {
			if err := registry.Unassign(printerID, slot); err != nil {
				return nil, err
			}
			logger.Info("stale spool slot unloaded", "printer", printerID, "slot", slot)
		}
	}

	for _, l := range cfg.Spools.Loadouts {
		if err := registry.Assign(l.Printer, l.Slot, l.Spool.toSpool()); err != nil {
			return nil, fmt.Errorf("spool %s en %s/%d: %w", l.Spool.ID, l.Printer, l.Slot, err)
		}
	}
	for _, sp := range registry.Spools() {
		if err := db.SeedSpool(sp); err != nil {
			return nil, err
		}
	}
	fmt.Printf("🧵 Spools cargados: %d\n", len(registry.Spools()))
	return registry, nil
}

// buildPersistence arma el sink de persistencia: siempre el store local
// y, si está habilitado, el endpoint HTTP. Cada destino tiene reintentos
// y su propio spool en disco; replay reenvía periódicamente cada spool
// a su destino.
func buildPersistence(cfg Config, db *store.Store, clk clock.Clock, logger *slog.Logger) (sink.Sink, func(context.Context), error) {
	storeSpool, err := sink.NewFileSink(filepath.Join(cfg.Sinks.File.Path, "store"), logger.With("component", "store_spool"))
	if err != nil {
		return nil, nil, err
	}
	local := sink.NewRetrying(db, storeSpool, cfg.Sinks.Retry, clk, logger.With("component", "store"))

	targets := []spooled{{spool: storeSpool, dst: db}}
	persist := sink.Multi{local}

	if cfg.Sinks.HTTP.Enabled {
		httpSpool, err := sink.NewFileSink(filepath.Join(cfg.Sinks.File.Path, "http"), logger.With("component", "http_spool"))
		if err != nil {
			return nil, nil, err
		}
		httpSink := sink.NewHTTPSink(sink.HTTPSinkConfig{
			Endpoint:  cfg.Sinks.HTTP.Endpoint,
			AuthToken: cfg.Sinks.HTTP.AuthToken,
			Timeout:   cfg.Sinks.HTTP.Timeout,
		})
		persist = append(persist, sink.NewRetrying(httpSink, httpSpool, cfg.Sinks.Retry, clk, logger.With("component", "http_sink")))
		targets = append(targets, spooled{spool: httpSpool, dst: httpSink})
	}

	interval := cfg.Sinks.HTTP.ReplayInterval
	if interval <= 0 {
		interval = time.Minute
	}
	replay := func(ctx context.Context) {
		ticker := clk.NewTicker(interval)
		defer ticker.Stop()
		for {
			replaySpools(ctx, targets, logger)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
	return persist, replay, nil
}

// spooled asocia un spool en disco con el destino al que se reenvía.
type spooled struct {
	spool *sink.FileSink
	dst   sink.Sink
}

func replaySpools(ctx context.Context, targets []spooled, logger *slog.Logger) {
	for _, t := range targets {
		n, err := t.spool.Replay(ctx, t.dst)
		if n > 0 {
			logger.Info("spooled events delivered", "count", n)
		}
		if err != nil && ctx.Err() == nil {
			logger.Warn("spool replay stopped", "err", err)
		}
	}
}

func buildSources(cfg Config, clk clock.Clock, logger *slog.Logger) ([]transport.Source, error) {
	var sources []transport.Source
	if cfg.MQTT.Enabled {
		sources = append(sources, transport.NewMQTTSource(cfg.MQTT.Config, clk, logger.With("component", "mqtt")))
	}
	if cfg.SNMP.Enabled {
		poller, err := transport.NewSNMPPoller(cfg.SNMP.Config, clk, logger.With("component", "snmp"))
		if err != nil {
			return nil, err
		}
		fmt.Printf("🔍 SNMP: %d objetivos\n", len(poller.Targets()))
		sources = append(sources, poller)
	}
	return sources, nil
}

// newLogger arma el logger según logging.level y logging.format.
// verbose fuerza debug.
func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.Logging.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
