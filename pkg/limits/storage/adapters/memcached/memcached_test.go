package memcached

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage"
	"github.com/chris-alexander-pop/ratelimits/pkg/limits/storage/storagetest"
)

// newIntegrationStore connects to the server named by TEST_MEMCACHED_URI
// (e.g. "memcached://localhost:11211"); without it the test is skipped.
func newIntegrationStore(t *testing.T) storage.Storage {
	t.Helper()
	uri := os.Getenv("TEST_MEMCACHED_URI")
	if uri == "" {
		t.Skip("set TEST_MEMCACHED_URI to run memcached integration tests")
	}
	s, err := storage.NewFromURI(uri)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	if !s.Check(context.Background()) {
		t.Skipf("memcached at %s is not reachable", uri)
	}
	return s
}

func TestConformance(t *testing.T) {
	if testing.Short() {
		t.Skip("conformance suite sleeps through window expiries")
	}
	s := newIntegrationStore(t)
	t.Run("Counter", func(t *testing.T) { storagetest.TestCounter(t, s) })
	t.Run("SlidingWindow", func(t *testing.T) {
		storagetest.TestSlidingWindow(t, s.(storage.SlidingWindowStorage))
	})
}

func TestConfigurationErrors(t *testing.T) {
	_, err := New(storage.URI{Raw: "memcached://", Scheme: "memcached"}, storage.Options{})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConfiguration))
}

func TestUnixSocketAddress(t *testing.T) {
	s, err := New(storage.URI{
		Raw:    "memcached:///var/run/memcached.sock",
		Scheme: "memcached",
		Path:   "/var/run/memcached.sock",
	}, storage.Options{})
	require.NoError(t, err)
	defer s.Close()
}

func TestResetUnsupported(t *testing.T) {
	s, err := New(storage.URI{
		Scheme: "memcached",
		Hosts:  []storage.Host{{Name: "localhost", Port: 11211}},
	}, storage.Options{})
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Reset(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeUnsupported))
}

func TestNoMovingWindowCapability(t *testing.T) {
	s, err := New(storage.URI{
		Scheme: "memcached",
		Hosts:  []storage.Host{{Name: "localhost", Port: 11211}},
	}, storage.Options{})
	require.NoError(t, err)
	defer s.Close()

	var iface storage.Storage = s
	_, ok := iface.(storage.MovingWindowStorage)
	assert.False(t, ok, "memcached cannot keep an ordered log")
}
