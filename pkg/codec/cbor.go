// Package codec centraliza la codificación binaria (CBOR) de los
// registros que el agente persiste en el store local.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode usa Core Deterministic Encoding: claves ordenadas y enteros
// mínimos, así el mismo registro siempre produce los mismos bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Los timestamps se guardan con nanosegundos; las claves de
	// idempotencia dependen de ellos.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Destinos any decodifican mapas como map[string]any, igual
		// que encoding/json.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal codifica v en CBOR determinista.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodifica data en v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}
