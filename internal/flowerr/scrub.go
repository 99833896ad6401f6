package flowerr

import "strings"

var sensitiveKeys = []string{
	"apikey",
	"api_key",
	"api-key",
	"password",
	"passwd",
	"secret",
	"authorization",
	"credential",
}

// IsSensitiveKey reports whether a detail key may carry a credential.
func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if strings.HasSuffix(k, "token") {
		return true
	}
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}

// Scrub returns a copy of details without sensitive keys, recursing into
// nested maps and slices.
func Scrub(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if IsSensitiveKey(k) {
			continue
		}
		out[k] = scrubValue(v)
	}
	return out
}

func scrubValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return Scrub(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = scrubValue(e)
		}
		return out
	default:
		return v
	}
}
