package pipeline

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/png"
	"testing"

	"github.com/imagevault/imagevault/internal/domain"
)

type fakeImage struct {
	width, height  int
	pages          int
	hasAlpha       bool
	premultiplied  bool
	premultCalls   int
	unpremultCalls int
	failStage      string
	lastExport     struct {
		format  string
		quality int
	}
}

func (f *fakeImage) Width() int       { return f.width }
func (f *fakeImage) Height() int      { return f.height }
func (f *fakeImage) HasAlpha() bool   { return f.hasAlpha }
func (f *fakeImage) Pages() int       { return f.pages }
func (f *fakeImage) LoopCount() int   { return 0 }
func (f *fakeImage) Orientation() int { return 1 }
func (f *fakeImage) Format() string   { return domain.FormatPNG }

func (f *fakeImage) fail(stage string) error {
	if f.failStage == stage {
		return errors.New(stage + " exploded")
	}
	return nil
}

func (f *fakeImage) ExtractPage(int) error {
	f.pages = 1
	return f.fail("first_page")
}

func (f *fakeImage) Resize(w, h int) error {
	if err := f.fail("resize"); err != nil {
		return err
	}
	f.width, f.height = w, h
	return nil
}

func (f *fakeImage) ExtractArea(_, _, w, h int) error {
	f.width, f.height = w, h
	return f.fail("extract")
}

func (f *fakeImage) Rotate(int) error           { return f.fail("rotate_flip") }
func (f *fakeImage) Flip(bool, bool) error      { return f.fail("rotate_flip") }
func (f *fakeImage) ApplyFilter(string) error   { return f.fail("filter") }
func (f *fakeImage) GaussianBlur(float64) error { return f.fail("blur") }
func (f *fakeImage) Pad(int, string) error      { return f.fail("pad") }

func (f *fakeImage) Premultiply() error {
	f.premultCalls++
	f.premultiplied = true
	return nil
}

func (f *fakeImage) Unpremultiply() error {
	f.unpremultCalls++
	f.premultiplied = false
	return nil
}

func (f *fakeImage) Export(format string, quality int) ([]byte, error) {
	f.lastExport.format = format
	f.lastExport.quality = quality
	return []byte("encoded"), nil
}

func (f *fakeImage) Close() {}

func appliedNames(r Result) []string {
	names := make([]string, 0, len(r.Applied))
	for _, s := range r.Applied {
		names = append(names, s.Stage)
	}
	return names
}

func TestRunAppliesOnlyRequiredStages(t *testing.T) {
	img := &fakeImage{width: 1000, height: 500, pages: 1}
	resizeOnly := domain.Transformation{Width: 400, Height: 200, Fit: domain.FitScale, Format: domain.FormatPNG}

	result := Run(img, resizeOnly)
	if result.FailedStage != "" {
		t.Fatalf("unexpected failure in stage %s", result.FailedStage)
	}
	if got := appliedNames(result); len(got) != 1 || got[0] != "resize" {
		t.Fatalf("expected exactly the resize stage, got %v", got)
	}

	img = &fakeImage{width: 1000, height: 500, pages: 1}
	withBlur := resizeOnly
	withBlur.Blur = 3

	result = Run(img, withBlur)
	if got := appliedNames(result); len(got) != 2 || got[0] != "resize" || got[1] != "blur" {
		t.Fatalf("expected resize then blur, got %v", got)
	}
}

func TestRunSkipsResizeAtIdenticalDimensions(t *testing.T) {
	img := &fakeImage{width: 400, height: 200, pages: 1}
	tr := domain.Transformation{Width: 400, Height: 200, Fit: domain.FitScale, Format: domain.FormatPNG, Blur: 1}

	result := Run(img, tr)
	if got := appliedNames(result); len(got) != 1 || got[0] != "blur" {
		t.Fatalf("expected only blur, got %v", got)
	}
}

func TestRunBracketsAlphaOnceForConsecutivePremultipliedStages(t *testing.T) {
	img := &fakeImage{width: 1000, height: 500, pages: 1, hasAlpha: true}
	tr := domain.Transformation{Width: 400, Height: 200, Fit: domain.FitScale, Format: domain.FormatPNG, Blur: 2}

	result := Run(img, tr)
	if result.FailedStage != "" {
		t.Fatalf("unexpected failure in stage %s", result.FailedStage)
	}
	if img.premultCalls != 1 {
		t.Fatalf("expected exactly one premultiply, got %d", img.premultCalls)
	}
	if img.unpremultCalls != 1 {
		t.Fatalf("expected exactly one final unpremultiply, got %d", img.unpremultCalls)
	}
	if img.premultiplied {
		t.Fatal("image must end un-premultiplied")
	}
}

func TestRunSkipsBracketingWithoutAlpha(t *testing.T) {
	img := &fakeImage{width: 1000, height: 500, pages: 1}
	tr := domain.Transformation{Width: 400, Height: 200, Fit: domain.FitScale, Format: domain.FormatJPEG, Blur: 2}

	Run(img, tr)
	if img.premultCalls != 0 || img.unpremultCalls != 0 {
		t.Fatalf("expected no alpha conversions, got %d/%d", img.premultCalls, img.unpremultCalls)
	}
}

func TestRunCapturesStageFailure(t *testing.T) {
	img := &fakeImage{width: 1000, height: 500, pages: 1, hasAlpha: true, failStage: "blur"}
	tr := domain.Transformation{Width: 400, Height: 200, Fit: domain.FitScale, Format: domain.FormatPNG, Blur: 2}

	result := Run(img, tr)
	if result.FailedStage != "blur" {
		t.Fatalf("expected blur to fail, got %q", result.FailedStage)
	}
	if got := appliedNames(result); len(got) != 2 || got[0] != "resize" || got[1] != "blur" {
		t.Fatalf("expected partial applied list [resize blur], got %v", got)
	}
	if result.Applied[0].Err != nil {
		t.Fatal("resize must have succeeded")
	}
	if result.Applied[1].Err == nil {
		t.Fatal("blur status must carry its error")
	}
	if img.premultiplied {
		t.Fatal("failure path must restore un-premultiplied alpha")
	}

	err := result.Failure()
	var failure *Failure
	if !errors.As(err, &failure) {
		t.Fatalf("expected *Failure, got %T", err)
	}
	if failure.Stage != "blur" {
		t.Fatalf("failure names stage %q", failure.Stage)
	}
}

func TestRunNeverReportsFailureOnSuccess(t *testing.T) {
	img := &fakeImage{width: 100, height: 100, pages: 1}
	tr := domain.Transformation{Width: 50, Height: 50, Fit: domain.FitFit, Format: domain.FormatPNG}
	if err := Run(img, tr).Failure(); err != nil {
		t.Fatalf("expected nil failure, got %v", err)
	}
}

func TestRunRegenerateLQIPFlag(t *testing.T) {
	img := &fakeImage{width: 1000, height: 500, pages: 1}
	resizeOnly := domain.Transformation{Width: 400, Height: 200, Fit: domain.FitScale, Format: domain.FormatPNG}
	if Run(img, resizeOnly).RegenerateLQIP {
		t.Fatal("resize alone must not force LQIP regeneration")
	}

	img = &fakeImage{width: 1000, height: 500, pages: 1}
	filtered := resizeOnly
	filtered.Filter = domain.FilterGrayscale
	if !Run(img, filtered).RegenerateLQIP {
		t.Fatal("a color filter must force LQIP regeneration")
	}
}

func TestEncodeQualityRules(t *testing.T) {
	img := &fakeImage{}

	if _, err := Encode(img, domain.FormatJPEG, 0); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if img.lastExport.quality != domain.DefaultQuality(domain.FormatJPEG) {
		t.Fatalf("expected jpeg default quality, got %d", img.lastExport.quality)
	}

	if _, err := Encode(img, domain.FormatJPEG, 42); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	if img.lastExport.quality != 42 {
		t.Fatalf("expected explicit quality 42, got %d", img.lastExport.quality)
	}

	if _, err := Encode(img, domain.FormatPNG, 42); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	if img.lastExport.quality != 0 {
		t.Fatalf("quality must be ignored for png, got %d", img.lastExport.quality)
	}
}

func TestStdBackendResizeRoundTrip(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 100, 50))
	for y := 0; y < 50; y++ {
		for x := 0; x < 100; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 0, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, src); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	img, err := NewBackend().Decode(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	defer img.Close()

	tr := domain.Transformation{Width: 40, Height: 20, Fit: domain.FitScale, Format: domain.FormatPNG}
	result := Run(img, tr)
	if err := result.Failure(); err != nil {
		t.Fatalf("pipeline failed: %v", err)
	}

	data, err := Encode(img, domain.FormatPNG, 0)
	if err != nil {
		t.Fatalf("encode output: %v", err)
	}

	decoded, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 40 || b.Dy() != 20 {
		t.Fatalf("expected 40x20 output, got %dx%d", b.Dx(), b.Dy())
	}
}
