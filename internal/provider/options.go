package provider

import "encoding/json"

// Recognized generation options. Adapters apply the ones their backend supports and
// silently ignore the rest.
const (
	OptionModel       = "model"
	OptionTemperature = "temperature"
	OptionTopP        = "top_p"
	OptionTopK        = "top_k"
	OptionMaxTokens   = "max_tokens"
)

// ModelFor returns the model requested in options, the explicit model, or the fallback.
func ModelFor(explicit string, options map[string]any, fallback string) string {
	if explicit != "" {
		return explicit
	}
	if v, ok := OptionString(options, OptionModel); ok && v != "" {
		return v
	}
	return fallback
}

// OptionFloat reads a numeric option.
func OptionFloat(options map[string]any, key string) (float64, bool) {
	if options == nil {
		return 0, false
	}

	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case float64:
			return v, true
		case float32:
			return float64(v), true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// OptionInt reads an integral option. Whole-valued floats, as produced by encoding/json,
// are accepted.
func OptionInt(options map[string]any, key string) (int, bool) {
	if options == nil {
		return 0, false
	}
	if value, ok := options[key]; ok {
		switch v := value.(type) {
		case int:
			return v, true
		case int64:
			return int(v), true
		case float64:
			if v == float64(int(v)) {
				return int(v), true
			}
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i), true
			}
		}
	}
	return 0, false
}

// OptionString reads a string option.
func OptionString(options map[string]any, key string) (string, bool) {
	if options == nil {
		return "", false
	}
	if value, ok := options[key]; ok {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}
