package alproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// R2: proto_to_string(proto_by_name(n)) == n for every registered name.
func TestRegistry_NameRoundTrip(t *testing.T) {
	r := NewRegistry()
	names := []string{"http", "tls", "ssh", "ftp"}

	for _, n := range names {
		p := r.Register(n)
		got, ok := r.String(p)
		require.True(t, ok)
		assert.Equal(t, n, got)
	}
}

func TestRegistry_RegisterIsIdempotentPerName(t *testing.T) {
	r := NewRegistry()
	a := r.Register("http")
	b := r.Register("http")
	assert.Equal(t, a, b)
}

func TestRegistry_DistinctNamesGetDistinctProtos(t *testing.T) {
	r := NewRegistry()
	http := r.Register("http")
	tls := r.Register("tls")
	assert.NotEqual(t, http, tls)
	assert.NotEqual(t, Unknown, http)
	assert.NotEqual(t, Unknown, tls)
}

func TestRegistry_ByNameMissReturnsFalse(t *testing.T) {
	r := NewRegistry()
	p, ok := r.ByName("nonexistent")
	assert.False(t, ok)
	assert.Equal(t, Unknown, p)
}

func TestRegistry_StringOfUnknownReturnsFalse(t *testing.T) {
	r := NewRegistry()
	s, ok := r.String(Unknown)
	assert.False(t, ok)
	assert.Empty(t, s)
}
