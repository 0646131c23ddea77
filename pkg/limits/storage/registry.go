package storage

import (
	"crypto/tls"
	"fmt"
	"sort"
	"sync"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
)

// Options carries the driver options recognized across backends. Drivers
// read the fields they understand; URI query parameters take precedence
// where both are given.
type Options struct {
	// ServiceName selects the redis sentinel service when the URI path does
	// not carry one.
	ServiceName string

	// Database is the mongodb database holding the rate limit collections.
	Database string

	// MaxRetries bounds optimistic-concurrency retries (etcd) and CAS
	// retries (memcached elastic expiry). Zero selects the driver default.
	MaxRetries int

	// TLSConfig overrides the TLS settings for schemes that negotiate TLS
	// ("rediss", "mongodb+srv").
	TLSConfig *tls.Config
}

// Option mutates the recognized driver options.
type Option func(*Options)

// WithServiceName sets the sentinel service name.
func WithServiceName(name string) Option {
	return func(o *Options) { o.ServiceName = name }
}

// WithDatabase sets the mongodb database name.
func WithDatabase(name string) Option {
	return func(o *Options) { o.Database = name }
}

// WithMaxRetries bounds driver-side retry loops.
func WithMaxRetries(n int) Option {
	return func(o *Options) { o.MaxRetries = n }
}

// WithTLSConfig sets the TLS configuration for TLS-negotiating schemes.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(o *Options) { o.TLSConfig = cfg }
}

// Factory builds a storage from a parsed URI and options.
type Factory func(uri URI, opts Options) (Storage, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register maps a URI scheme to a driver constructor. Driver packages call
// it from init; registering a scheme twice panics, as does a nil factory.
func Register(scheme string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if _, dup := registry[scheme]; dup {
		panic("storage: Register called twice for scheme " + scheme)
	}
	registry[scheme] = factory
}

// Schemes lists the registered schemes, sorted.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	schemes := make([]string, 0, len(registry))
	for scheme := range registry {
		schemes = append(schemes, scheme)
	}
	sort.Strings(schemes)
	return schemes
}

// NewFromURI builds a storage from a URI string, dispatching on its scheme.
// An "async+" prefix resolves to the same driver. Unknown schemes are a
// configuration error.
func NewFromURI(rawURI string, opts ...Option) (Storage, error) {
	uri, err := ParseURI(rawURI)
	if err != nil {
		return nil, err
	}

	registryMu.RLock()
	factory, ok := registry[uri.Scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, errors.New(errors.CodeConfiguration,
			fmt.Sprintf("unknown storage scheme: %q (registered: %v)", uri.Scheme, Schemes()), nil)
	}

	var options Options
	for _, opt := range opts {
		opt(&options)
	}
	return factory(uri, options)
}
