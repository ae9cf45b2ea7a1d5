package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/asaavedra/filament-agent/pkg/clock"
)

// Subscription asocia un topic MQTT a un vendor. El id de impresora sale
// de PrinterID o, si está vacío, del segmento PrinterSegment del topic
// (Bambu: "device/+/report" → segmento 1).
type Subscription struct {
	Topic          string `yaml:"topic"`
	Vendor         string `yaml:"vendor"`
	PrinterID      string `yaml:"printer_id"`
	PrinterSegment int    `yaml:"printer_segment"`
	QoS            byte   `yaml:"qos"`
}

// MQTTConfig configura la fuente MQTT.
type MQTTConfig struct {
	Broker         string         `yaml:"broker"` // host:port
	ClientID       string         `yaml:"client_id"`
	Username       string         `yaml:"username"`
	Password       string         `yaml:"password"`
	ConnectTimeout time.Duration  `yaml:"connect_timeout"`
	Subscriptions  []Subscription `yaml:"subscriptions"`
}

// MQTTSource consume telemetría publicada por impresoras o bridges.
type MQTTSource struct {
	cfg    MQTTConfig
	clock  clock.Clock
	logger *slog.Logger
}

// NewMQTTSource crea la fuente. No conecta hasta Run.
func NewMQTTSource(cfg MQTTConfig, clk clock.Clock, logger *slog.Logger) *MQTTSource {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "filament-agent"
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTSource{cfg: cfg, clock: clk, logger: logger}
}

// Name implementa Source.
func (s *MQTTSource) Name() string { return "mqtt:" + s.cfg.Broker }

// Run conecta, se suscribe y entrega mensajes hasta que ctx se cancela.
// Al perder la conexión emite un Disconnect de toda la fuente; paho
// reconecta solo y OnConnect vuelve a suscribir.
func (s *MQTTSource) Run(ctx context.Context, out chan<- Message) error {
	if len(s.cfg.Subscriptions) == 0 {
		return fmt.Errorf("mqtt source %s without subscriptions", s.cfg.Broker)
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", s.cfg.Broker))
	opts.SetClientID(s.cfg.ClientID)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(true)

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("mqtt connection established", "broker", s.cfg.Broker, "client_id", s.cfg.ClientID)
		for _, sub := range s.cfg.Subscriptions {
			sub := sub
			token := c.Subscribe(sub.Topic, sub.QoS, func(_ mqtt.Client, m mqtt.Message) {
				if msg, ok := s.handle(sub, m.Topic(), m.Payload()); ok {
					send(ctx, out, msg)
				}
			})
			if !token.WaitTimeout(s.cfg.ConnectTimeout) {
				s.logger.Error("mqtt subscribe timeout", "topic", sub.Topic)
				continue
			}
			if err := token.Error(); err != nil {
				s.logger.Error("mqtt subscribe failed", "topic", sub.Topic, "err", err)
			}
		}
	}

	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost, will auto-reconnect", "broker", s.cfg.Broker, "err", err)
		reason := "connection lost"
		if err != nil {
			reason = err.Error()
		}
		send(ctx, out, Message{Source: s.Name(), Disconnect: true, Reason: reason, ReceivedAt: s.clock.Now()})
	}

	client := mqtt.NewClient(opts)
	s.logger.Info("connecting to mqtt broker", "broker", s.cfg.Broker)

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connection failed: %w", err)
		}
	case <-ctx.Done():
		client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	client.Disconnect(250)
	s.logger.Info("mqtt source stopped", "broker", s.cfg.Broker)
	return nil
}

// handle convierte un mensaje MQTT en Message. Los payloads que no son
// objetos JSON se descartan con un warning.
func (s *MQTTSource) handle(sub Subscription, topic string, data []byte) (Message, bool) {
	printerID := sub.PrinterID
	if printerID == "" {
		printerID = topicSegment(topic, sub.PrinterSegment)
	}
	if printerID == "" {
		s.logger.Warn("mqtt message without printer id", "topic", topic, "segment", sub.PrinterSegment)
		return Message{}, false
	}

	payload, err := DecodePayload(data)
	if err != nil {
		s.logger.Warn("mqtt payload dropped", "topic", topic, "printer", printerID, "err", err)
		return Message{}, false
	}

	return Message{
		Source:     s.Name(),
		PrinterID:  printerID,
		Vendor:     sub.Vendor,
		Payload:    payload,
		ReceivedAt: s.clock.Now(),
	}, true
}

// topicSegment retorna el segmento i del topic; i negativo cuenta desde
// el final.
func topicSegment(topic string, i int) string {
	parts := strings.Split(topic, "/")
	if i < 0 {
		i += len(parts)
	}
	if i < 0 || i >= len(parts) {
		return ""
	}
	return parts[i]
}
