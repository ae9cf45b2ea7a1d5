package normalizer

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/asaavedra/filament-agent/pkg/canonical"
)

// StatusCode es un código de estado SNMP decodificado.
type StatusCode struct {
	Code      int                 `json:"code"`
	Meaning   string              `json:"meaning"`
	Lifecycle canonical.Lifecycle `json:"lifecycle,omitempty"`
}

// DecodeStatus decodifica hrPrinterStatus (HOST-RESOURCES-MIB).
func DecodeStatus(code any) *StatusCode {
	codeInt, ok := toInt(code)
	if !ok {
		return nil
	}

	status := &StatusCode{Code: codeInt}
	switch codeInt {
	case 1:
		status.Meaning = "other"
	case 2:
		status.Meaning = "unknown"
	case 3:
		status.Meaning = "idle"
		status.Lifecycle = canonical.LifecycleIdle
	case 4:
		status.Meaning = "printing"
		status.Lifecycle = canonical.LifecyclePrinting
	case 5:
		status.Meaning = "warmup"
		status.Lifecycle = canonical.LifecyclePrinting
	default:
		status.Meaning = fmt.Sprintf("code_%d", codeInt)
	}
	return status
}

// DecodeDeviceStatus decodifica hrDeviceStatus. Solo "down" y "warning"
// afectan el lifecycle: el resto lo decide hrPrinterStatus.
func DecodeDeviceStatus(code any) *StatusCode {
	codeInt, ok := toInt(code)
	if !ok {
		return nil
	}

	status := &StatusCode{Code: codeInt}
	switch codeInt {
	case 1:
		status.Meaning = "unknown"
	case 2:
		status.Meaning = "running"
	case 3:
		status.Meaning = "warning"
	case 4:
		status.Meaning = "testing"
	case 5:
		status.Meaning = "down"
		status.Lifecycle = canonical.LifecycleError
	default:
		status.Meaning = fmt.Sprintf("code_%d", codeInt)
	}
	return status
}

// toFloat acepta números y strings numéricos. Booleanos, null y
// compuestos no se convierten.
func toFloat(val any) (float64, bool) {
	var f float64
	switch v := val.(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool, nil:
		return 0, false
	default:
		value, ok := canonical.ValueOf(v)
		if !ok {
			return 0, false
		}
		parsed, ok := value.AsFloat()
		if !ok {
			return 0, false
		}
		f = parsed
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// toInt acepta enteros, flotantes sin parte decimal y strings numéricos.
func toInt(val any) (int, bool) {
	f, ok := toFloat(val)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// toString acepta strings y números (ids numéricos de algunos vendors).
func toString(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return v.String(), true
	case bool, nil:
		return "", false
	}
	value, ok := canonical.ValueOf(val)
	if !ok {
		return "", false
	}
	switch value.Kind() {
	case canonical.KindInt, canonical.KindFloat:
		return value.String(), true
	}
	return "", false
}
