package canonical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/asaavedra/filament-agent/pkg/codec"
)

// Kind identifica el tipo primitivo guardado en un Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	default:
		return "null"
	}
}

// Value es un primitivo de vendor preservado tal como llegó: string,
// entero, flotante, booleano o null. Es inmutable.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func StringValue(s string) Value { return Value{kind: KindString, s: s} }
func IntValue(i int64) Value     { return Value{kind: KindInt, i: i} }
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }
func BoolValue(b bool) Value     { return Value{kind: KindBool, b: b} }
func NullValue() Value           { return Value{} }

// ValueOf convierte un primitivo decodificado (JSON con UseNumber, CBOR,
// SNMP) en Value. Retorna false para mapas, slices y otros compuestos.
func ValueOf(raw any) (Value, bool) {
	switch v := raw.(type) {
	case nil:
		return NullValue(), true
	case Value:
		return v, true
	case string:
		return StringValue(v), true
	case bool:
		return BoolValue(v), true
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return IntValue(i), true
		}
		f, err := v.Float64()
		if err != nil {
			return StringValue(v.String()), true
		}
		return FloatValue(f), true
	case int:
		return IntValue(int64(v)), true
	case int8:
		return IntValue(int64(v)), true
	case int16:
		return IntValue(int64(v)), true
	case int32:
		return IntValue(int64(v)), true
	case int64:
		return IntValue(v), true
	case uint:
		return IntValue(int64(v)), true
	case uint8:
		return IntValue(int64(v)), true
	case uint16:
		return IntValue(int64(v)), true
	case uint32:
		return IntValue(int64(v)), true
	case uint64:
		if v > math.MaxInt64 {
			return FloatValue(float64(v)), true
		}
		return IntValue(int64(v)), true
	case float32:
		return FloatValue(float64(v)), true
	case float64:
		return FloatValue(v), true
	default:
		return Value{}, false
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	default:
		return "null"
	}
}

// AsString retorna el texto si el Value es string.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsInt retorna el entero si el Value es entero.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat acepta enteros y flotantes.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	}
	return 0, false
}

// AsBool retorna el booleano si el Value es bool.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// Interface retorna el primitivo Go equivalente (nil, string, int64,
// float64 o bool).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

func (v *Value) UnmarshalJSON(data []byte) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var raw any
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	parsed, ok := ValueOf(raw)
	if !ok {
		return fmt.Errorf("canonical: value is not a primitive: %s", data)
	}
	*v = parsed
	return nil
}

func (v Value) MarshalCBOR() ([]byte, error) {
	return codec.Marshal(v.Interface())
}

func (v *Value) UnmarshalCBOR(data []byte) error {
	var raw any
	if err := codec.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, ok := ValueOf(raw)
	if !ok {
		return fmt.Errorf("canonical: CBOR value is not a primitive")
	}
	*v = parsed
	return nil
}

// Extras guarda los campos de vendor que no tienen lugar en el modelo
// canónico. Se construye una vez por payload y no se modifica después,
// por eso se comparte por referencia con los sinks.
type Extras map[string]Value

// Get retorna el valor de key.
func (e Extras) Get(key string) (Value, bool) {
	v, ok := e[key]
	return v, ok
}

// Keys retorna las claves ordenadas.
func (e Extras) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
