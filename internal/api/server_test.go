package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/imagevault/imagevault/internal/pathconfig"
	"github.com/imagevault/imagevault/internal/pipeline"
	"github.com/imagevault/imagevault/internal/ratelimit"
	"github.com/imagevault/imagevault/internal/scheduler"
	"github.com/imagevault/imagevault/internal/store"
	"github.com/imagevault/imagevault/internal/variant"
)

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBlobs) Persist(_ context.Context, bucket, key string, data []byte, _ string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+key] = append([]byte(nil), data...)
	return time.Now().UTC(), nil
}

func (m *memoryBlobs) Fetch(_ context.Context, bucket, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s does not exist", bucket, key)
	}
	return data, nil
}

type staticLimiter struct {
	decision ratelimit.Decision
}

func (l staticLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return l.decision, nil
}

func newTestServer(t *testing.T, limiter RateLimiter) *httptest.Server {
	t.Helper()

	sched := scheduler.New(
		scheduler.Config{Workers: 2, Weight: 80},
		zerolog.Nop(),
		scheduler.NewMetrics(prometheus.NewRegistry()),
	)
	svc := variant.NewService(variant.Deps{
		Repo:      store.NewMemoryRepository(),
		Blobs:     &memoryBlobs{objects: make(map[string][]byte)},
		Scheduler: sched,
		Backend:   pipeline.NewBackend(),
		Resolver:  pathconfig.NewStaticResolver(nil, pathconfig.Config{}),
		Bucket:    "assets",
		Logger:    zerolog.Nop(),
	})
	sched.Start(svc.ExecuteJob)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	server := NewServer(Options{
		Logger:      zerolog.Nop(),
		Service:     svc,
		RateLimiter: limiter,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func uploadPNG(t *testing.T, ts *httptest.Server, path string, width, height int) {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 42, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/v1/assets/"+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "image/png")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestUploadThenFetchVariant(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadPNG(t, ts, "products/100/hero", 100, 50)

	resp, err := http.Get(ts.URL + "/v1/assets/products/100/hero?height=25")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %q", ct)
	}

	decoded, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 50 || b.Dy() != 25 {
		t.Fatalf("expected 50x25, got %dx%d", b.Dx(), b.Dy())
	}
}

func TestFetchVariantMetadata(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadPNG(t, ts, "products/100/hero", 100, 50)

	resp, err := http.Get(ts.URL + "/v1/assets/products/100/hero?width=50&height=25&fit=scale&metadata=true")
	if err != nil {
		t.Fatalf("fetch metadata: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var meta struct {
		Width  int    `json:"width"`
		Height int    `json:"height"`
		Format string `json:"format"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		t.Fatalf("decode metadata: %v", err)
	}
	if meta.Width != 50 || meta.Height != 25 || meta.Format != "png" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
}

func TestFetchUnknownAsset(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/v1/assets/missing/path?height=25")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestFetchInvalidParams(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadPNG(t, ts, "products/100/hero", 100, 50)

	for _, query := range []string{"width=abc", "width=100&fit=bogus&height=50", "width=100&fit=fit"} {
		resp, err := http.Get(ts.URL + "/v1/assets/products/100/hero?" + query)
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q: expected 400, got %d", query, resp.StatusCode)
		}
	}
}

func TestDeleteAsset(t *testing.T) {
	ts := newTestServer(t, nil)
	uploadPNG(t, ts, "products/100/hero", 100, 50)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/v1/assets/products/100/hero", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/v1/assets/products/100/hero?height=25")
	if err != nil {
		t.Fatalf("fetch after delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", resp.StatusCode)
	}
}

func TestRateLimitRejectsUploads(t *testing.T) {
	ts := newTestServer(t, staticLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 2 * time.Second}})

	resp, err := http.Post(ts.URL+"/v1/assets/products/1/hero", "image/png", strings.NewReader("data"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected a Retry-After header")
	}

	// Reads are never limited.
	getResp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", getResp.StatusCode)
	}
}

func TestAssetPath(t *testing.T) {
	path, err := assetPath("/v1/assets/products/100/hero")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if path != "products/100/hero" {
		t.Fatalf("expected products/100/hero, got %s", path)
	}

	if _, err := assetPath("/v1/assets/"); err == nil {
		t.Fatal("expected error for empty path")
	}
}
