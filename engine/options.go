package engine

import (
	"strconv"
	"strings"
)

// Decode option keys understood by the built-in engines.
const (
	OptLanguage      = "language"
	OptTemperature   = "temperature"
	OptInitialPrompt = "initial_prompt"
	OptBeamSize      = "beam_size"
	OptBestOf        = "best_of"
)

func optString(opts map[string]any, key string) string {
	v, ok := opts[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return ""
	}
}

func optFloat(opts map[string]any, key string) (float64, bool) {
	switch t := opts[key].(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	// Fallback lists start with the preferred value.
	case []float64:
		if len(t) == 0 {
			return 0, false
		}
		return t[0], true
	case []any:
		if len(t) == 0 {
			return 0, false
		}
		return optFloat(map[string]any{key: t[0]}, key)
	default:
		return 0, false
	}
}

func optInt(opts map[string]any, key string) (int, bool) {
	f, ok := optFloat(opts, key)
	if !ok || f <= 0 {
		return 0, false
	}
	return int(f), true
}

// normalizeLanguage maps "auto" and empty language to no override.
func normalizeLanguage(raw string) string {
	lang := strings.TrimSpace(raw)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return ""
	}
	return lang
}
