// Package transport recibe la telemetría cruda de las impresoras (MQTT,
// SNMP) y la entrega como Messages al loop de ingestión.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Message es una observación cruda de una impresora.
type Message struct {
	Source     string         // nombre de la fuente que lo produjo
	PrinterID  string         // vacío en un Disconnect de toda la fuente
	Vendor     string         // tag de vendor; vacío si hay que detectarlo
	Payload    map[string]any // JSON decodificado con json.Number
	ReceivedAt time.Time

	// Disconnect indica que la fuente perdió la impresora (o todas, si
	// PrinterID está vacío). Las sesiones afectadas se cierran.
	Disconnect bool
	Reason     string
}

// Source produce Messages hasta que ctx se cancela. Run retorna nil en
// un apagado normal.
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- Message) error
}

// DecodePayload decodifica un objeto JSON conservando los números como
// json.Number: un entero del vendor no se convierte en float.
func DecodePayload(data []byte) (map[string]any, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()

	var payload map[string]any
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if payload == nil {
		return nil, fmt.Errorf("decode payload: not a JSON object")
	}
	return unwrapEnvelope(payload), nil
}

// unwrapEnvelope extrae el objeto de estado de una notificación JSON-RPC
// (Moonraker: {"jsonrpc":"2.0","method":"notify_status_update","params":[{...}, t]}).
func unwrapEnvelope(payload map[string]any) map[string]any {
	if _, ok := payload["jsonrpc"]; !ok {
		return payload
	}
	if result, ok := payload["result"].(map[string]any); ok {
		if status, ok := result["status"].(map[string]any); ok {
			return status
		}
		return result
	}
	if params, ok := payload["params"].([]any); ok && len(params) > 0 {
		if status, ok := params[0].(map[string]any); ok {
			return status
		}
	}
	return payload
}

// send entrega msg respetando la cancelación.
func send(ctx context.Context, out chan<- Message, msg Message) bool {
	select {
	case out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
