package pathconfig

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/imagevault/imagevault/internal/domain"
)

// Config is the per-path-prefix storage policy.
type Config struct {
	Prefix               string                  `json:"prefix"`
	Bucket               string                  `json:"bucket,omitempty"`
	AllowedContentTypes  []string                `json:"allowed_content_types,omitempty"`
	EagerTransformations []domain.Transformation `json:"eager_transformations,omitempty"`
	LQIPAlgorithms       []string                `json:"lqip_algorithms,omitempty"`

	// Weight, when non-nil, overrides the scheduler's high-priority bias.
	Weight *int `json:"weight,omitempty"`
}

func FromJSON(data []byte) ([]Config, error) {
	var configs []Config
	if err := json.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parse path configs: %w", err)
	}
	for i, cfg := range configs {
		if cfg.Prefix == "" {
			return nil, fmt.Errorf("path config %d: prefix is required", i)
		}
	}
	return configs, nil
}

// Allows accepts everything when the allow list is empty.
func (c Config) Allows(contentType string) bool {
	if len(c.AllowedContentTypes) == 0 {
		return true
	}
	for _, allowed := range c.AllowedContentTypes {
		if strings.EqualFold(allowed, contentType) {
			return true
		}
	}
	return false
}

type Resolver interface {
	Resolve(path string) Config
}

type staticResolver struct {
	configs  []Config
	fallback Config
}

// NewStaticResolver picks the longest matching prefix; paths matching no
// prefix get fallback.
func NewStaticResolver(configs []Config, fallback Config) Resolver {
	ordered := make([]Config, len(configs))
	copy(ordered, configs)
	sort.Slice(ordered, func(i, j int) bool {
		return len(ordered[i].Prefix) > len(ordered[j].Prefix)
	})
	return &staticResolver{configs: ordered, fallback: fallback}
}

func (r *staticResolver) Resolve(path string) Config {
	for _, cfg := range r.configs {
		if strings.HasPrefix(path, cfg.Prefix) {
			return cfg
		}
	}
	return r.fallback
}
