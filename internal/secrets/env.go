package secrets

import (
	"context"
	"os"
	"strings"
	"time"
)

// EnvProvider resolves secrets from environment variables. A key such
// as "vision.api_key" maps to CARDLENS_VISION_API_KEY under the default
// prefix.
type EnvProvider struct {
	prefix string
}

// NewEnvProvider creates an environment-backed provider. An empty
// prefix means keys map to their bare upper-cased form.
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{prefix: prefix}
}

func (p *EnvProvider) GetSecret(_ context.Context, key string) (*Secret, error) {
	envKey := p.envKey(key)
	value := os.Getenv(envKey)
	if value == "" {
		return nil, &NotFoundError{Key: key, Provider: "environment"}
	}
	return &Secret{
		Key:       key,
		Value:     []byte(value),
		FetchedAt: time.Now(),
		Metadata: map[string]string{
			"source":  "environment",
			"env_key": envKey,
		},
	}, nil
}

func (p *EnvProvider) envKey(key string) string {
	normalized := strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
	if p.prefix == "" {
		return normalized
	}
	return strings.ToUpper(p.prefix) + "_" + normalized
}

// StaticProvider serves a fixed key/value map. Used by tests and by
// the stub wiring in local dev.
type StaticProvider struct {
	values map[string]string
}

func NewStaticProvider(values map[string]string) *StaticProvider {
	return &StaticProvider{values: values}
}

func (p *StaticProvider) GetSecret(_ context.Context, key string) (*Secret, error) {
	value, ok := p.values[key]
	if !ok {
		return nil, &NotFoundError{Key: key, Provider: "static"}
	}
	return &Secret{Key: key, Value: []byte(value), FetchedAt: time.Now()}, nil
}
