package pathconfig

import (
	"testing"

	"github.com/imagevault/imagevault/internal/domain"
)

func TestResolveLongestPrefixWins(t *testing.T) {
	resolver := NewStaticResolver([]Config{
		{Prefix: "products/", Bucket: "products"},
		{Prefix: "products/featured/", Bucket: "featured"},
	}, Config{Bucket: "default"})

	if got := resolver.Resolve("products/featured/1/hero").Bucket; got != "featured" {
		t.Fatalf("expected the longer prefix to win, got %q", got)
	}
	if got := resolver.Resolve("products/1/hero").Bucket; got != "products" {
		t.Fatalf("expected the products prefix, got %q", got)
	}
	if got := resolver.Resolve("avatars/1").Bucket; got != "default" {
		t.Fatalf("expected the fallback, got %q", got)
	}
}

func TestAllows(t *testing.T) {
	open := Config{}
	if !open.Allows("image/png") {
		t.Fatal("empty allow list must accept everything")
	}

	restricted := Config{AllowedContentTypes: []string{"image/jpeg", "image/PNG"}}
	if !restricted.Allows("image/png") {
		t.Fatal("content type match must be case insensitive")
	}
	if restricted.Allows("image/gif") {
		t.Fatal("unlisted content type must be rejected")
	}
}

func TestFromJSON(t *testing.T) {
	raw := []byte(`[
		{
			"prefix": "products/",
			"bucket": "products",
			"allowed_content_types": ["image/jpeg"],
			"eager_transformations": [{"width": 200, "height": 100, "fit": "scale", "format": "jpeg"}],
			"lqip_algorithms": ["blurhash"],
			"weight": 90
		}
	]`)

	configs, err := FromJSON(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected one config, got %d", len(configs))
	}
	cfg := configs[0]
	if cfg.Prefix != "products/" || cfg.Weight == nil || *cfg.Weight != 90 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if len(cfg.EagerTransformations) != 1 || cfg.EagerTransformations[0].Fit != domain.FitScale {
		t.Fatalf("eager transformations not parsed: %+v", cfg.EagerTransformations)
	}

	if _, err := FromJSON([]byte(`[{"bucket": "x"}]`)); err == nil {
		t.Fatal("missing prefix must be rejected")
	}
}
