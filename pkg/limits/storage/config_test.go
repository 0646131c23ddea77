package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
)

func TestNewFromEnv(t *testing.T) {
	t.Setenv("STORAGE_URI", "fake://localhost:9999")
	t.Setenv("STORAGE_DATABASE", "quota")
	t.Setenv("STORAGE_MAX_RETRIES", "4")

	store, err := NewFromEnv()
	require.NoError(t, err)
	defer store.Close()

	fake, ok := store.(*fakeStore)
	require.True(t, ok)
	assert.Equal(t, "quota", fake.opts.Database)
	assert.Equal(t, 4, fake.opts.MaxRetries)
}

func TestNewFromEnvUnknownScheme(t *testing.T) {
	t.Setenv("STORAGE_URI", "smoke-signal://hill:1")

	_, err := NewFromEnv()
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestNewFromEnvExplicitOptionsWin(t *testing.T) {
	t.Setenv("STORAGE_URI", "fake://localhost:9999")
	t.Setenv("STORAGE_DATABASE", "fromenv")

	store, err := NewFromEnv(WithDatabase("explicit"))
	require.NoError(t, err)
	defer store.Close()

	fake := store.(*fakeStore)
	assert.Equal(t, "explicit", fake.opts.Database)
}
