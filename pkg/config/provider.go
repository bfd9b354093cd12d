package config

import (
	"context"
	"fmt"
	"strings"

	env "github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Provider contributes one layer of configuration into k. Providers are
// applied in order; later providers override earlier ones.
type Provider interface {
	Apply(ctx context.Context, k *koanf.Koanf) error
}

type providerFunc func(ctx context.Context, k *koanf.Koanf) error

func (f providerFunc) Apply(ctx context.Context, k *koanf.Koanf) error { return f(ctx, k) }

// NewDefaultProvider seeds k with the compiled-in defaults.
func NewDefaultProvider() Provider {
	return providerFunc(func(_ context.Context, k *koanf.Koanf) error {
		if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
			return fmt.Errorf("load default config: %w", err)
		}
		return nil
	})
}

const envPrefix = "QUOTAWARD_"

// NewEnvProvider overlays environment variables of the form
// QUOTAWARD_REDIS_URL, QUOTAWARD_SERVER_PORT, etc., mapped onto the
// dot-delimited koanf keys used by Config's `koanf` tags.
func NewEnvProvider() Provider {
	return providerFunc(func(_ context.Context, k *koanf.Koanf) error {
		transform := func(key string) string {
			trimmed := strings.TrimPrefix(key, envPrefix)
			return strings.ToLower(strings.Replace(trimmed, "_", ".", 1))
		}
		if err := k.Load(env.Provider(".", env.Opt{
			Prefix:        envPrefix,
			TransformFunc: func(k, v string) (string, any) { return transform(k), v },
		}), nil); err != nil {
			return fmt.Errorf("load env config: %w", err)
		}
		return nil
	})
}
