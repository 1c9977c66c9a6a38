package endpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginsAllowed(t *testing.T) {
	origins, err := NewOrigins([]string{
		"https://*.contoso.example",
		"http://localhost:*",
		"https://fabrikam.example/",
	})
	require.NoError(t, err)

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://fiddle.contoso.example", true},
		{"HTTPS://Fiddle.Contoso.Example", true},
		{"https://fiddle.contoso.example/some/page", true},
		{"https://contoso.example", false},
		{"http://fiddle.contoso.example", false},
		{"http://localhost:3000", true},
		{"http://localhost", false},
		{"https://fabrikam.example", true},
		{"https://fabrikam.example.evil", false},
		{"", false},
		{"null", false},
	}

	for _, tt := range tests {
		t.Run(tt.origin, func(t *testing.T) {
			assert.Equal(t, tt.want, origins.Allowed(tt.origin))
		})
	}
}

func TestOriginsWildcard(t *testing.T) {
	origins, err := NewOrigins([]string{"*"})
	require.NoError(t, err)
	assert.True(t, origins.Allowed("https://anything.example"))
	assert.False(t, origins.Allowed("not a url"))
}

func TestOriginsInvalidPattern(t *testing.T) {
	_, err := NewOrigins([]string{"https://[broken"})
	assert.Error(t, err)
}
