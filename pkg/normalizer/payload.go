package normalizer

import (
	"strconv"
	"strings"
)

// Payload es el mensaje crudo de un vendor: datos anidados sin esquema,
// decodificados de JSON (con UseNumber), CBOR o SNMP.
type Payload map[string]any

// Lookup resuelve una ruta con puntos ("print.ams.tray_now"). Los
// segmentos numéricos indexan arrays ("ams.0.tray").
func (p Payload) Lookup(path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var node any = map[string]any(p)
	for _, segment := range strings.Split(path, ".") {
		switch v := node.(type) {
		case map[string]any:
			child, ok := v[segment]
			if !ok {
				return nil, false
			}
			node = child
		case []any:
			idx, err := strconv.Atoi(segment)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			node = v[idx]
		default:
			return nil, false
		}
	}
	return node, true
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
