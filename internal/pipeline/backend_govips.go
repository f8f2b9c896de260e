//go:build govips && cgo

package pipeline

import (
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"

	"github.com/imagevault/imagevault/internal/domain"
)

type vipsBackend struct{}

func (vipsBackend) Decode(data []byte) (Image, error) {
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, fmt.Errorf("decode source image: %w", err)
	}
	return &vipsImage{ref: ref, format: formatFromVips(vips.DetermineImageType(data))}, nil
}

// vipsImage owns one libvips arena. libvips mandates single-thread ownership
// of the ref for its lifetime; the pipeline confines it to one job.
type vipsImage struct {
	ref           *vips.ImageRef
	format        string
	premultiplied bool
}

func (v *vipsImage) Width() int  { return v.ref.Width() }
func (v *vipsImage) Height() int { return v.ref.Height() }

func (v *vipsImage) HasAlpha() bool { return v.ref.HasAlpha() }

func (v *vipsImage) Pages() int { return v.ref.Pages() }

func (v *vipsImage) LoopCount() int {
	// libvips exposes loop metadata only for animated loads; a missing field
	// reads as zero.
	return 0
}

func (v *vipsImage) Orientation() int { return v.ref.Orientation() }

func (v *vipsImage) Format() string { return v.format }

func (v *vipsImage) ExtractPage(page int) error {
	// NewImageFromBuffer loads the first page of a paged source; requesting
	// page zero is already satisfied.
	if page != 0 {
		return fmt.Errorf("only first-page extraction is supported, got page %d", page)
	}
	return nil
}

func (v *vipsImage) Resize(width, height int) error {
	hscale := float64(width) / float64(v.ref.Width())
	vscale := float64(height) / float64(v.ref.Height())
	if err := v.ref.ResizeWithVScale(hscale, vscale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func (v *vipsImage) ExtractArea(left, top, width, height int) error {
	if err := v.ref.ExtractArea(left, top, width, height); err != nil {
		return fmt.Errorf("extract area: %w", err)
	}
	return nil
}

func (v *vipsImage) Rotate(angle int) error {
	var a vips.Angle
	switch angle {
	case 90:
		a = vips.Angle90
	case 180:
		a = vips.Angle180
	case 270:
		a = vips.Angle270
	default:
		return fmt.Errorf("rotation must be a multiple of 90, got %d", angle)
	}
	if err := v.ref.Rotate(a); err != nil {
		return fmt.Errorf("rotate image: %w", err)
	}
	return nil
}

func (v *vipsImage) Flip(horizontal, vertical bool) error {
	if horizontal {
		if err := v.ref.Flip(vips.DirectionHorizontal); err != nil {
			return fmt.Errorf("flip image: %w", err)
		}
	}
	if vertical {
		if err := v.ref.Flip(vips.DirectionVertical); err != nil {
			return fmt.Errorf("flip image: %w", err)
		}
	}
	return nil
}

func (v *vipsImage) ApplyFilter(filter string) error {
	switch filter {
	case domain.FilterGrayscale:
		if err := v.ref.ToColorSpace(vips.InterpretationBW); err != nil {
			return fmt.Errorf("grayscale filter: %w", err)
		}
	case domain.FilterNegate:
		if err := v.ref.Invert(); err != nil {
			return fmt.Errorf("negate filter: %w", err)
		}
	case domain.FilterSepia:
		matrix := [][]float64{
			{0.393, 0.769, 0.189},
			{0.349, 0.686, 0.168},
			{0.272, 0.534, 0.131},
		}
		if err := v.ref.Recomb(matrix); err != nil {
			return fmt.Errorf("sepia filter: %w", err)
		}
	default:
		return fmt.Errorf("unknown filter %q", filter)
	}
	return nil
}

func (v *vipsImage) GaussianBlur(sigma float64) error {
	if err := v.ref.GaussianBlur(sigma); err != nil {
		return fmt.Errorf("gaussian blur: %w", err)
	}
	return nil
}

func (v *vipsImage) Pad(pixels int, background string) error {
	bg, err := parseBackground(background)
	if err != nil {
		return err
	}
	err = v.ref.EmbedBackground(
		pixels, pixels,
		v.ref.Width()+2*pixels, v.ref.Height()+2*pixels,
		&vips.Color{R: bg.R, G: bg.G, B: bg.B},
	)
	if err != nil {
		return fmt.Errorf("pad image: %w", err)
	}
	return nil
}

func (v *vipsImage) Premultiply() error {
	if v.premultiplied {
		return nil
	}
	if err := v.ref.Premultiply(); err != nil {
		return fmt.Errorf("premultiply alpha: %w", err)
	}
	v.premultiplied = true
	return nil
}

func (v *vipsImage) Unpremultiply() error {
	if !v.premultiplied {
		return nil
	}
	if err := v.ref.Unpremultiply(); err != nil {
		return fmt.Errorf("unpremultiply alpha: %w", err)
	}
	v.premultiplied = false
	return nil
}

func (v *vipsImage) Export(format string, quality int) ([]byte, error) {
	switch format {
	case domain.FormatJPEG:
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := v.ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case domain.FormatPNG:
		data, _, err := v.ref.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case domain.FormatWebP:
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := v.ref.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case domain.FormatGIF:
		data, _, err := v.ref.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	case domain.FormatAVIF:
		params := vips.NewAvifExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := v.ref.ExportAvif(params)
		if err != nil {
			return nil, fmt.Errorf("encode avif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

func (v *vipsImage) Close() {
	v.ref.Close()
}

func formatFromVips(t vips.ImageType) string {
	switch t {
	case vips.ImageTypeJPEG:
		return domain.FormatJPEG
	case vips.ImageTypeWEBP:
		return domain.FormatWebP
	case vips.ImageTypeGIF:
		return domain.FormatGIF
	case vips.ImageTypeAVIF:
		return domain.FormatAVIF
	default:
		return domain.FormatPNG
	}
}
