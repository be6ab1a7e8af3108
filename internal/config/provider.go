package config

import "context"

// Provider loads configuration from explicit options.
type Provider interface {
	Load(ctx context.Context, opts LoadOptions) (*Config, error)
}

type fileProvider struct{}

func NewProvider() Provider {
	return &fileProvider{}
}

func (p *fileProvider) Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	cfg, _, err := loadWithOptions(ctx, opts)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration with the default provider.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	return NewProvider().Load(ctx, opts)
}
