package storage

import (
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/chris-alexander-pop/ratelimits/pkg/errors"
)

// Config holds environment-driven storage configuration for processes that
// select their backend through the environment rather than code.
type Config struct {
	// URI selects the backend, e.g. "redis://localhost:6379".
	URI string `env:"STORAGE_URI" env-default:"memory://" validate:"required"`

	// Database is the mongodb database name.
	Database string `env:"STORAGE_DATABASE" env-default:"limits"`

	// ServiceName is the redis sentinel service name.
	ServiceName string `env:"STORAGE_SERVICE_NAME"`

	// MaxRetries bounds driver-side retry loops; 0 uses driver defaults.
	MaxRetries int `env:"STORAGE_MAX_RETRIES" env-default:"0" validate:"gte=0"`
}

// NewFromEnv reads Config from the environment, validates it and builds the
// storage it describes.
func NewFromEnv(opts ...Option) (Storage, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, errors.New(errors.CodeConfiguration, "failed to read storage env config", err)
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, errors.New(errors.CodeConfiguration, "storage config validation failed", err)
	}

	merged := make([]Option, 0, len(opts)+3)
	if cfg.Database != "" {
		merged = append(merged, WithDatabase(cfg.Database))
	}
	if cfg.ServiceName != "" {
		merged = append(merged, WithServiceName(cfg.ServiceName))
	}
	if cfg.MaxRetries > 0 {
		merged = append(merged, WithMaxRetries(cfg.MaxRetries))
	}
	merged = append(merged, opts...)
	return NewFromURI(cfg.URI, merged...)
}
