package transport

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gosnmp/gosnmp"

	"github.com/asaavedra/filament-agent/pkg/clock"
)

// SNMPConfig configura el poller SNMP.
type SNMPConfig struct {
	Ranges        []string      `yaml:"ranges"` // "192.168.1.10-20", "10.0.0.0/28"
	Community     string        `yaml:"community"`
	Version       string        `yaml:"version"` // "1" o "2c"
	Port          uint16        `yaml:"port"`
	Timeout       time.Duration `yaml:"timeout"`
	Retries       int           `yaml:"retries"`
	Interval      time.Duration `yaml:"interval"`
	MaxConcurrent int           `yaml:"max_concurrent"`
}

func (c SNMPConfig) withDefaults() SNMPConfig {
	if c.Community == "" {
		c.Community = "public"
	}
	if c.Version == "" {
		c.Version = "2c"
	}
	if c.Port == 0 {
		c.Port = 161
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 10
	}
	return c
}

// snmpGetter hace un GET de varios OIDs contra un host. Los OIDs que el
// agente no tiene no aparecen en el resultado.
type snmpGetter interface {
	GetMultiple(host string, oids []string) (map[string]any, error)
}

// SNMPPoller consulta periódicamente un conjunto de hosts y produce un
// Message por host y tick, con los valores indexados por nombre de OID.
type SNMPPoller struct {
	cfg     SNMPConfig
	targets []string
	oids    []NamedOID
	client  snmpGetter
	clock   clock.Clock
	logger  *slog.Logger

	mu   sync.Mutex
	down map[string]bool
}

// NewSNMPPoller expande los rangos y prepara el cliente gosnmp.
func NewSNMPPoller(cfg SNMPConfig, clk clock.Clock, logger *slog.Logger) (*SNMPPoller, error) {
	cfg = cfg.withDefaults()
	targets, err := ExpandRanges(cfg.Ranges)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("snmp poller without targets")
	}
	return newSNMPPoller(cfg, targets, &snmpClient{
		port:      cfg.Port,
		community: cfg.Community,
		version:   cfg.Version,
		timeout:   cfg.Timeout,
		retries:   cfg.Retries,
	}, clk, logger), nil
}

func newSNMPPoller(cfg SNMPConfig, targets []string, client snmpGetter, clk clock.Clock, logger *slog.Logger) *SNMPPoller {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SNMPPoller{
		cfg:     cfg.withDefaults(),
		targets: targets,
		oids:    DefaultOIDs,
		client:  client,
		clock:   clk,
		logger:  logger,
		down:    make(map[string]bool),
	}
}

// Name implementa Source.
func (p *SNMPPoller) Name() string { return "snmp" }

// Targets retorna los hosts consultados.
func (p *SNMPPoller) Targets() []string { return append([]string(nil), p.targets...) }

// Run consulta todos los hosts al arrancar y luego en cada tick.
func (p *SNMPPoller) Run(ctx context.Context, out chan<- Message) error {
	ticker := p.clock.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("snmp poller started", "targets", len(p.targets), "interval", p.cfg.Interval)
	for {
		p.PollOnce(ctx, out)
		select {
		case <-ctx.Done():
			p.logger.Info("snmp poller stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce consulta cada host una vez con concurrencia acotada. Un host
// que deja de responder produce un único Disconnect hasta que vuelve.
func (p *SNMPPoller) PollOnce(ctx context.Context, out chan<- Message) {
	limiter := newRateLimiter(p.cfg.MaxConcurrent)
	oids := ExtractOIDs(p.oids)
	var wg sync.WaitGroup

	for _, host := range p.targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		limiter.Acquire()
		go func(host string) {
			defer wg.Done()
			defer limiter.Release()

			values, err := p.client.GetMultiple(host, oids)
			if err == nil && len(values) == 0 {
				err = fmt.Errorf("sin respuesta para OIDs")
			}
			if err != nil {
				if p.markDown(host, true) {
					p.logger.Warn("snmp target unreachable", "printer", host, "err", err)
					send(ctx, out, Message{Source: p.Name(), PrinterID: host, Vendor: "snmp", Disconnect: true, Reason: err.Error(), ReceivedAt: p.clock.Now()})
				}
				return
			}
			if !p.markDown(host, false) {
				p.logger.Info("snmp target back online", "printer", host)
			}

			payload := make(map[string]any, len(values))
			for _, named := range p.oids {
				if v, ok := values[named.OID]; ok {
					payload[named.Name] = v
				}
			}
			send(ctx, out, Message{Source: p.Name(), PrinterID: host, Vendor: "snmp", Payload: payload, ReceivedAt: p.clock.Now()})
		}(host)
	}
	wg.Wait()
}

// markDown actualiza el estado del host y retorna true si cambió. Los
// hosts nunca vistos cuentan como arriba.
func (p *SNMPPoller) markDown(host string, down bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down[host] == down {
		return false
	}
	p.down[host] = down
	return true
}

// rateLimiter controla la cantidad de consultas en paralelo
type rateLimiter struct {
	semaphore chan struct{}
}

func newRateLimiter(maxConcurrent int) *rateLimiter {
	return &rateLimiter{semaphore: make(chan struct{}, maxConcurrent)}
}

// Acquire espera a que haya un slot disponible
func (rl *rateLimiter) Acquire() { rl.semaphore <- struct{}{} }

// Release libera un slot
func (rl *rateLimiter) Release() { <-rl.semaphore }

// snmpClient wrapper alrededor de gosnmp para SNMP v1/v2c
type snmpClient struct {
	port      uint16
	community string
	version   string
	timeout   time.Duration
	retries   int
}

// GetMultiple obtiene múltiples OIDs en un solo GET
func (sc *snmpClient) GetMultiple(host string, oids []string) (map[string]any, error) {
	client, err := sc.connect(host)
	if err != nil {
		return nil, err
	}
	defer client.Conn.Close()

	result, err := client.Get(oids)
	if err != nil {
		return nil, fmt.Errorf("error SNMP GET múltiple: %w", err)
	}
	if result == nil {
		return nil, fmt.Errorf("sin respuesta para OIDs")
	}
	if result.Error != gosnmp.NoError {
		return nil, fmt.Errorf("SNMP error %d: %s", result.Error, result.Error.String())
	}

	values := make(map[string]any, len(result.Variables))
	for _, variable := range result.Variables {
		if v, ok := parseValue(variable); ok {
			values[strings.TrimPrefix(variable.Name, ".")] = v
		}
	}
	return values, nil
}

// connect establece conexión SNMP
func (sc *snmpClient) connect(host string) (*gosnmp.GoSNMP, error) {
	version := gosnmp.Version2c
	if sc.version == "1" {
		version = gosnmp.Version1
	}

	params := &gosnmp.GoSNMP{
		Target:    host,
		Port:      sc.port,
		Community: sc.community,
		Version:   version,
		Timeout:   sc.timeout,
		Retries:   sc.retries,
	}
	if err := params.Connect(); err != nil {
		return nil, fmt.Errorf("error conectando a %s:%d: %w", host, sc.port, err)
	}
	return params, nil
}

// parseValue convierte un PDU a un primitivo: int64 para los tipos
// numéricos, string para textos y OIDs. Las ausencias se descartan.
func parseValue(variable gosnmp.SnmpPDU) (any, bool) {
	switch variable.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return nil, false
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(variable.Value).Int64(), true
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		s, ok := variable.Value.(string)
		return s, ok
	}

	switch v := variable.Value.(type) {
	case string:
		return strings.TrimRight(v, "\x00"), true
	case []byte:
		return decodeOctets(v), true
	case nil:
		return nil, false
	default:
		return fmt.Sprintf("%v", v), true
	}
}

// decodeOctets interpreta un OctetString: texto si parece texto, MAC si
// tiene 6 bytes, hex en otro caso.
func decodeOctets(b []byte) string {
	trimmed := strings.TrimRight(string(b), "\x00")
	if utf8.ValidString(trimmed) && isLikelyText([]byte(trimmed)) {
		return trimmed
	}
	hexStr := hex.EncodeToString(b)
	if len(b) == 6 {
		return fmt.Sprintf("%s:%s:%s:%s:%s:%s", hexStr[0:2], hexStr[2:4], hexStr[4:6], hexStr[6:8], hexStr[8:10], hexStr[10:12])
	}
	return hexStr
}

// isLikelyText verifica si bytes parecen ser texto (no caracteres de control raros)
func isLikelyText(b []byte) bool {
	if len(b) == 0 {
		return false
	}
	printableCount := 0
	for _, c := range b {
		// ASCII printable: 32-126, más tab/newline/carriage return, y UTF-8 multibyte
		if (c >= 32 && c <= 126) || c == 9 || c == 10 || c == 13 || c >= 0x80 {
			printableCount++
		}
	}
	// Si al menos el 80% de los bytes son imprimibles, parece texto
	return float64(printableCount)/float64(len(b)) >= 0.8
}
