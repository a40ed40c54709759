package script

import (
	"github.com/risor-io/risor/object"
)

// ConvertRisorValueToGo converts a Risor object to a Go value
func ConvertRisorValueToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()

	case *object.Int:
		return o.Value()

	case *object.Float:
		return o.Value()

	case *object.Bool:
		return o.Value()

	case *object.Time:
		return o.Value()

	case *object.NilType:
		return nil

	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ConvertRisorValueToGo(item))
		}
		return result

	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ConvertRisorValueToGo(value)
		}
		return result

	default:
		// Fallback to string representation
		return obj.Inspect()
	}
}

func safeBuiltins() map[string]bool {
	return map[string]bool{
		"all":      true,
		"any":      true,
		"bool":     true,
		"bytes":    true,
		"coalesce": true,
		"error":    true,
		"errorf":   true,
		"float":    true,
		"fmt":      true,
		"int":      true,
		"json":     true,
		"keys":     true,
		"len":      true,
		"list":     true,
		"map":      true,
		"math":     true,
		"regexp":   true,
		"reversed": true,
		"set":      true,
		"sorted":   true,
		"sprintf":  true,
		"string":   true,
		"strings":  true,
		"try":      true,
		"type":     true,
	}
}
