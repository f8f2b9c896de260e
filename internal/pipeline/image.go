package pipeline

import "github.com/imagevault/imagevault/internal/domain"

// Image is owned exclusively by the job executing it and must be Closed on
// every exit path.
type Image interface {
	Width() int
	Height() int
	HasAlpha() bool
	Pages() int
	LoopCount() int
	Orientation() int
	Format() string

	ExtractPage(page int) error
	Resize(width, height int) error
	ExtractArea(left, top, width, height int) error
	Rotate(angle int) error
	Flip(horizontal, vertical bool) error
	ApplyFilter(filter string) error
	GaussianBlur(sigma float64) error
	Pad(pixels int, background string) error

	Premultiply() error
	Unpremultiply() error

	Export(format string, quality int) ([]byte, error)
	Close()
}

type Backend interface {
	Decode(data []byte) (Image, error)
}

func Describe(img Image) domain.Attributes {
	return domain.Attributes{
		Width:       img.Width(),
		Height:      img.Height(),
		Format:      img.Format(),
		Orientation: img.Orientation(),
		Pages:       img.Pages(),
		LoopCount:   img.LoopCount(),
		HasAlpha:    img.HasAlpha(),
	}
}

// Encode applies quality only to lossy formats, with a per-format default.
func Encode(img Image, format string, quality int) ([]byte, error) {
	if domain.SupportsQuality(format) {
		if quality <= 0 || quality > 100 {
			quality = domain.DefaultQuality(format)
		}
	} else {
		quality = 0
	}
	return img.Export(format, quality)
}
