package querycache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCache_SetGetPurge(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	defer c.Close()

	gen := c.Generation()
	require.True(t, c.Set(gen, "/cars", []byte(`[1,2]`)))

	v, ok := c.Get("/cars")
	require.True(t, ok)
	require.Equal(t, `[1,2]`, string(v))

	c.Purge()
	_, ok = c.Get("/cars")
	require.False(t, ok)
}

func TestCache_StaleGenerationIsNotStored(t *testing.T) {
	c, err := New(Options{})
	require.NoError(t, err)
	defer c.Close()

	gen := c.Generation()
	c.Purge()
	require.False(t, c.Set(gen, "/me", []byte(`{}`)))

	_, ok := c.Get("/me")
	require.False(t, ok)
}
