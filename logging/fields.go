package logging

import "strings"

const redacted = "[REDACTED]"

// Keys are compared lower-cased. Page reports routinely carry cookies and
// session identifiers in their extra payloads.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"auth":          true,
	"credential":    true,
	"cookie":        true,
	"set-cookie":    true,
	"share_key":     true,
}

var sensitiveSuffixes = []string{"_token", "-token", "_secret", "_password"}

type Fields map[string]interface{}

// Sanitize returns a copy with sensitive values replaced. Nested maps, as
// found in reported extras, are walked as well.
func (f Fields) Sanitize() Fields {
	return Fields(sanitizeMap(f))
}

func sanitizeMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if IsSensitiveKey(k) {
			out[k] = redacted
			continue
		}
		switch nested := v.(type) {
		case Fields:
			out[k] = Fields(sanitizeMap(nested))
		case map[string]interface{}:
			out[k] = sanitizeMap(nested)
		default:
			out[k] = v
		}
	}
	return out
}

func IsSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	if sensitiveKeys[k] {
		return true
	}
	for _, suffix := range sensitiveSuffixes {
		if strings.HasSuffix(k, suffix) {
			return true
		}
	}
	return false
}
