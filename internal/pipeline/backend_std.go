package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/gif"
	"image/jpeg"
	"image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/imagevault/imagevault/internal/domain"
)

// stdBackend is the pure-Go fallback used when the govips build tag is off.
// It cannot export webp or avif and never sees EXIF orientation.
type stdBackend struct{}

func (stdBackend) Decode(data []byte) (Image, error) {
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if format == "gif" {
		g, err := gif.DecodeAll(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode gif: %w", err)
		}
		frames := make([]*image.NRGBA, 0, len(g.Image))
		for _, frame := range g.Image {
			frames = append(frames, imaging.Clone(frame))
		}
		return &stdImage{
			img:      frames[0],
			frames:   frames,
			format:   domain.FormatGIF,
			pages:    len(frames),
			loop:     g.LoopCount,
			hasAlpha: palettedHasAlpha(g.Image),
		}, nil
	}

	return &stdImage{
		img:      imaging.Clone(src),
		format:   normalizeFormat(format),
		pages:    1,
		hasAlpha: modelHasAlpha(src.ColorModel()),
	}, nil
}

// stdImage keeps pixels as NRGBA while un-premultiplied and as RGBA while
// premultiplied; draw.Draw performs the conversion either way.
type stdImage struct {
	img           image.Image
	frames        []*image.NRGBA
	format        string
	pages         int
	loop          int
	hasAlpha      bool
	premultiplied bool
	closed        bool
}

func (s *stdImage) Width() int {
	return s.img.Bounds().Dx()
}

func (s *stdImage) Height() int {
	return s.img.Bounds().Dy()
}

func (s *stdImage) HasAlpha() bool   { return s.hasAlpha }
func (s *stdImage) Pages() int       { return s.pages }
func (s *stdImage) LoopCount() int   { return s.loop }
func (s *stdImage) Orientation() int { return 1 }
func (s *stdImage) Format() string   { return s.format }

func (s *stdImage) ExtractPage(page int) error {
	if page < 0 || page >= s.pages {
		return fmt.Errorf("page %d out of range [0,%d)", page, s.pages)
	}
	if s.frames != nil {
		s.mutate(func(_ *image.NRGBA) *image.NRGBA { return s.frames[page] })
		s.frames = nil
	}
	s.pages = 1
	s.loop = 0
	return nil
}

func (s *stdImage) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resize requires positive dimensions, got %dx%d", width, height)
	}
	s.mutate(func(img *image.NRGBA) *image.NRGBA {
		return imaging.Resize(img, width, height, imaging.Lanczos)
	})
	return nil
}

func (s *stdImage) ExtractArea(left, top, width, height int) error {
	if left < 0 || top < 0 || left+width > s.Width() || top+height > s.Height() {
		return fmt.Errorf("extract area %dx%d+%d+%d exceeds %dx%d", width, height, left, top, s.Width(), s.Height())
	}
	s.mutate(func(img *image.NRGBA) *image.NRGBA {
		return imaging.Crop(img, image.Rect(left, top, left+width, top+height))
	})
	return nil
}

// Rotate turns the image clockwise by a multiple of 90 degrees.
func (s *stdImage) Rotate(angle int) error {
	switch angle {
	case 0:
	case 90:
		s.mutate(func(img *image.NRGBA) *image.NRGBA { return imaging.Rotate270(img) })
	case 180:
		s.mutate(func(img *image.NRGBA) *image.NRGBA { return imaging.Rotate180(img) })
	case 270:
		s.mutate(func(img *image.NRGBA) *image.NRGBA { return imaging.Rotate90(img) })
	default:
		return fmt.Errorf("rotation must be a multiple of 90, got %d", angle)
	}
	return nil
}

func (s *stdImage) Flip(horizontal, vertical bool) error {
	s.mutate(func(img *image.NRGBA) *image.NRGBA {
		if horizontal {
			img = imaging.FlipH(img)
		}
		if vertical {
			img = imaging.FlipV(img)
		}
		return img
	})
	return nil
}

func (s *stdImage) ApplyFilter(filter string) error {
	switch filter {
	case domain.FilterGrayscale:
		s.mutate(func(img *image.NRGBA) *image.NRGBA { return imaging.Grayscale(img) })
	case domain.FilterNegate:
		s.mutate(func(img *image.NRGBA) *image.NRGBA { return imaging.Invert(img) })
	case domain.FilterSepia:
		s.mutate(sepia)
	default:
		return fmt.Errorf("unknown filter %q", filter)
	}
	return nil
}

func (s *stdImage) GaussianBlur(sigma float64) error {
	if sigma <= 0 {
		return fmt.Errorf("blur sigma must be positive, got %f", sigma)
	}
	s.mutate(func(img *image.NRGBA) *image.NRGBA { return imaging.Blur(img, sigma) })
	return nil
}

func (s *stdImage) Pad(pixels int, background string) error {
	if pixels <= 0 {
		return fmt.Errorf("pad must be positive, got %d", pixels)
	}
	bg, err := parseBackground(background)
	if err != nil {
		return err
	}
	s.mutate(func(img *image.NRGBA) *image.NRGBA {
		canvas := imaging.New(img.Bounds().Dx()+2*pixels, img.Bounds().Dy()+2*pixels, bg)
		return imaging.PasteCenter(canvas, img)
	})
	if bg.A < 0xff {
		s.hasAlpha = true
	}
	return nil
}

func (s *stdImage) Premultiply() error {
	if s.premultiplied {
		return nil
	}
	dst := image.NewRGBA(s.img.Bounds())
	draw.Draw(dst, dst.Bounds(), s.img, s.img.Bounds().Min, draw.Src)
	s.img = dst
	s.premultiplied = true
	return nil
}

func (s *stdImage) Unpremultiply() error {
	if !s.premultiplied {
		return nil
	}
	dst := image.NewNRGBA(s.img.Bounds())
	draw.Draw(dst, dst.Bounds(), s.img, s.img.Bounds().Min, draw.Src)
	s.img = dst
	s.premultiplied = false
	return nil
}

func (s *stdImage) Export(format string, quality int) ([]byte, error) {
	src := s.nrgba()
	var buf bytes.Buffer

	switch format {
	case domain.FormatJPEG:
		if quality <= 0 || quality > 100 {
			quality = domain.DefaultQuality(domain.FormatJPEG)
		}
		if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	case domain.FormatPNG:
		encoder := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := encoder.Encode(&buf, src); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
	case domain.FormatGIF:
		if err := gif.Encode(&buf, src, nil); err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
	case domain.FormatWebP, domain.FormatAVIF:
		return nil, fmt.Errorf("%s export requires govips build tag", format)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	return buf.Bytes(), nil
}

func (s *stdImage) Close() {
	s.img = nil
	s.frames = nil
	s.closed = true
}

// mutate runs fn over un-premultiplied pixels and restores the tracked alpha
// state afterwards, so the pipeline's bracketing bookkeeping stays truthful.
func (s *stdImage) mutate(fn func(*image.NRGBA) *image.NRGBA) {
	out := fn(s.nrgba())
	if s.premultiplied {
		dst := image.NewRGBA(out.Bounds())
		draw.Draw(dst, dst.Bounds(), out, out.Bounds().Min, draw.Src)
		s.img = dst
		return
	}
	s.img = out
}

func (s *stdImage) nrgba() *image.NRGBA {
	if img, ok := s.img.(*image.NRGBA); ok {
		return img
	}
	dst := image.NewNRGBA(s.img.Bounds())
	draw.Draw(dst, dst.Bounds(), s.img, s.img.Bounds().Min, draw.Src)
	return dst
}

func sepia(img *image.NRGBA) *image.NRGBA {
	out := imaging.Clone(img)
	for i := 0; i < len(out.Pix); i += 4 {
		r := float64(out.Pix[i])
		g := float64(out.Pix[i+1])
		b := float64(out.Pix[i+2])
		out.Pix[i] = clamp8(0.393*r + 0.769*g + 0.189*b)
		out.Pix[i+1] = clamp8(0.349*r + 0.686*g + 0.168*b)
		out.Pix[i+2] = clamp8(0.272*r + 0.534*g + 0.131*b)
	}
	return out
}

func clamp8(v float64) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v + 0.5)
}

func parseBackground(background string) (color.NRGBA, error) {
	if background == "" {
		return color.NRGBA{}, nil
	}
	hex := background
	if hex[0] == '#' {
		hex = hex[1:]
	}
	if len(hex) != 6 {
		return color.NRGBA{}, errors.New("background must be a #rrggbb hex color")
	}
	var r, g, b uint8
	if _, err := fmt.Sscanf(hex, "%02x%02x%02x", &r, &g, &b); err != nil {
		return color.NRGBA{}, fmt.Errorf("parse background %q: %w", background, err)
	}
	return color.NRGBA{R: r, G: g, B: b, A: 0xff}, nil
}

func normalizeFormat(format string) string {
	switch format {
	case "jpg", "jpeg":
		return domain.FormatJPEG
	case "png":
		return domain.FormatPNG
	case "webp":
		return domain.FormatWebP
	case "gif":
		return domain.FormatGIF
	default:
		return domain.FormatPNG
	}
}

func modelHasAlpha(m color.Model) bool {
	switch m {
	case color.NRGBAModel, color.RGBAModel, color.NRGBA64Model, color.RGBA64Model, color.AlphaModel, color.Alpha16Model:
		return true
	}
	if p, ok := m.(color.Palette); ok {
		return palettesHaveAlpha(p)
	}
	return false
}

func palettedHasAlpha(frames []*image.Paletted) bool {
	for _, frame := range frames {
		if palettesHaveAlpha(frame.Palette) {
			return true
		}
	}
	return false
}

func palettesHaveAlpha(p color.Palette) bool {
	for _, c := range p {
		if _, _, _, a := c.RGBA(); a < 0xffff {
			return true
		}
	}
	return false
}
