package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsSensitiveKey(t *testing.T) {
	for _, k := range []string{"Password", "COOKIE", "share_key", "csrf_token", "X-Auth-Token", "client_secret"} {
		assert.True(t, IsSensitiveKey(k), k)
	}
	for _, k := range []string{"path", "tokens_used", "category", "user_agent"} {
		assert.False(t, IsSensitiveKey(k), k)
	}
}

func TestFields_Sanitize(t *testing.T) {
	f := Fields{
		"path":          "/contact",
		"password":      "secret123",
		"Authorization": "Bearer token",
		"extra": map[string]interface{}{
			"cart":          3,
			"refresh_token": "r",
		},
		"request": Fields{"cookie": "sid=1"},
	}

	sanitized := f.Sanitize()

	assert.Equal(t, "/contact", sanitized["path"])
	assert.Equal(t, redacted, sanitized["password"])
	assert.Equal(t, redacted, sanitized["Authorization"])
	assert.Equal(t, map[string]interface{}{"cart": 3, "refresh_token": redacted}, sanitized["extra"])
	assert.Equal(t, Fields{"cookie": redacted}, sanitized["request"])

	assert.Equal(t, "secret123", f["password"], "original must be untouched")
	assert.Equal(t, "r", f["extra"].(map[string]interface{})["refresh_token"])
}
