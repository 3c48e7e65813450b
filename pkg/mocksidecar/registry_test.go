package mocksidecar

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySharesGatewayForIdenticalConfig(t *testing.T) {
	reg := NewRegistry(nil, 0)
	cfg := Config{Passthrough: true}

	first, err := reg.Acquire(cfg)
	require.NoError(t, err)
	defer first.Close()

	second, err := reg.Acquire(cfg)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.LocalEndpoint, second.LocalEndpoint)
	assert.Equal(t, 2, reg.refCount)
}

func TestRegistryRejectsConflictingConfig(t *testing.T) {
	reg := NewRegistry(nil, 0)

	handle, err := reg.Acquire(Config{Passthrough: true})
	require.NoError(t, err)
	defer handle.Close()

	_, err = reg.Acquire(Config{Passthrough: false})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConfigConflict))
}

func TestRegistryLastCloseStopsServer(t *testing.T) {
	reg := NewRegistry(nil, 0)
	cfg := Config{Passthrough: false}

	first, err := reg.Acquire(cfg)
	require.NoError(t, err)
	second, err := reg.Acquire(cfg)
	require.NoError(t, err)

	endpoint := first.LocalEndpoint

	resp, err := http.Get(endpoint + "/nope")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	first.Close()
	first.Close() // idempotent

	resp, err = http.Get(endpoint + "/nope")
	require.NoError(t, err, "one live reference must keep the server up")
	_ = resp.Body.Close()

	second.Close()
	require.Nil(t, reg.gateway)

	// A new acquire with a different config is now legal.
	third, err := reg.Acquire(Config{Passthrough: true})
	require.NoError(t, err)
	third.Close()
}
