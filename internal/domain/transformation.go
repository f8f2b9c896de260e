package domain

import "fmt"

const (
	FitScale   = "scale"
	FitFit     = "fit"
	FitFill    = "fill"
	FitStretch = "stretch"
	FitCrop    = "crop"

	GravityCenter    = "center"
	GravityNorth     = "north"
	GravitySouth     = "south"
	GravityEast      = "east"
	GravityWest      = "west"
	GravityNorthEast = "northeast"
	GravityNorthWest = "northwest"
	GravitySouthEast = "southeast"
	GravitySouthWest = "southwest"

	FlipNone       = "none"
	FlipHorizontal = "horizontal"
	FlipVertical   = "vertical"
	FlipBoth       = "both"

	FilterNone      = "none"
	FilterGrayscale = "grayscale"
	FilterSepia     = "sepia"
	FilterNegate    = "negate"

	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatGIF  = "gif"
	FormatAVIF = "avif"
)

// RotateAuto is resolved from orientation metadata during normalization.
const RotateAuto = -1

// Transformation describes one derived rendition of an asset. The Original
// sentinel means no transformation at all.
type Transformation struct {
	Original   bool    `json:"original,omitempty"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Fit        string  `json:"fit,omitempty"`
	Gravity    string  `json:"gravity,omitempty"`
	Rotate     int     `json:"rotate,omitempty"`
	Flip       string  `json:"flip,omitempty"`
	Filter     string  `json:"filter,omitempty"`
	Blur       float64 `json:"blur,omitempty"`
	Quality    int     `json:"quality,omitempty"`
	Pad        int     `json:"pad,omitempty"`
	Background string  `json:"background,omitempty"`
	Format     string  `json:"format,omitempty"`
}

func OriginalTransformation() Transformation {
	return Transformation{Original: true}
}

func (t Transformation) IsOriginal() bool {
	return t.Original
}

// Validate checks a fully specified transformation; partial requests are
// validated by the normalizer instead.
func (t Transformation) Validate() error {
	if t.Original {
		return nil
	}
	if t.Width <= 0 || t.Height <= 0 {
		return NewValidationError("dimensions", fmt.Sprintf("width and height must be positive, got %dx%d", t.Width, t.Height))
	}
	switch t.Fit {
	case FitScale, FitFit, FitFill, FitStretch, FitCrop:
	default:
		return NewValidationError("fit", fmt.Sprintf("unknown fit mode %q", t.Fit))
	}
	switch t.Gravity {
	case "", GravityCenter, GravityNorth, GravitySouth, GravityEast, GravityWest,
		GravityNorthEast, GravityNorthWest, GravitySouthEast, GravitySouthWest:
	default:
		return NewValidationError("gravity", fmt.Sprintf("unknown gravity %q", t.Gravity))
	}
	switch t.Rotate {
	case 0, 90, 180, 270:
	default:
		return NewValidationError("rotate", fmt.Sprintf("rotation must be a multiple of 90, got %d", t.Rotate))
	}
	switch t.Flip {
	case "", FlipNone, FlipHorizontal, FlipVertical, FlipBoth:
	default:
		return NewValidationError("flip", fmt.Sprintf("unknown flip %q", t.Flip))
	}
	switch t.Filter {
	case "", FilterNone, FilterGrayscale, FilterSepia, FilterNegate:
	default:
		return NewValidationError("filter", fmt.Sprintf("unknown filter %q", t.Filter))
	}
	if t.Blur < 0 {
		return NewValidationError("blur", "blur must not be negative")
	}
	if t.Quality < 0 || t.Quality > 100 {
		return NewValidationError("quality", fmt.Sprintf("quality must be within [0,100], got %d", t.Quality))
	}
	if t.Pad < 0 {
		return NewValidationError("pad", "pad must not be negative")
	}
	if !KnownFormat(t.Format) {
		return NewValidationError("format", fmt.Sprintf("unknown format %q", t.Format))
	}
	return nil
}

func KnownFormat(format string) bool {
	switch format {
	case FormatJPEG, FormatPNG, FormatWebP, FormatGIF, FormatAVIF:
		return true
	}
	return false
}

func SupportsQuality(format string) bool {
	switch format {
	case FormatJPEG, FormatWebP, FormatAVIF:
		return true
	}
	return false
}

func DefaultQuality(format string) int {
	switch format {
	case FormatJPEG:
		return 80
	case FormatWebP:
		return 75
	case FormatAVIF:
		return 50
	default:
		return 0
	}
}

func ContentType(format string) string {
	switch format {
	case FormatJPEG:
		return "image/jpeg"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	case FormatAVIF:
		return "image/avif"
	}
	return "application/octet-stream"
}

func PagedFormat(format string) bool {
	switch format {
	case FormatGIF, FormatWebP:
		return true
	}
	return false
}
