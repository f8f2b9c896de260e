package variant

import (
	"context"
	"fmt"
	"math"

	"github.com/imagevault/imagevault/internal/domain"
)

// AttributeSource is invoked lazily and at most once per Normalizer, so
// implementations may be expensive.
type AttributeSource func(ctx context.Context) (domain.Attributes, error)

// Normalizer serves one original image and is not safe for concurrent use.
type Normalizer struct {
	source   AttributeSource
	resolved bool
	attrs    domain.Attributes
	err      error
}

func NewNormalizer(source AttributeSource) *Normalizer {
	return &Normalizer{source: source}
}

// NormalizeWith normalizes against already-known attributes.
func NormalizeWith(requested domain.Transformation, attrs domain.Attributes) (domain.Transformation, error) {
	n := NewNormalizer(func(context.Context) (domain.Attributes, error) { return attrs, nil })
	return n.Normalize(context.Background(), requested)
}

func (n *Normalizer) attributes(ctx context.Context) (domain.Attributes, error) {
	if !n.resolved {
		n.resolved = true
		n.attrs, n.err = n.source(ctx)
		if n.err != nil {
			n.err = fmt.Errorf("resolve original attributes: %w", n.err)
		} else if n.attrs.Width <= 0 || n.attrs.Height <= 0 {
			n.err = domain.NewValidationError("original", "original image reports no dimensions")
		}
	}
	return n.attrs, n.err
}

// Normalize fills every unspecified field. Scale derives a missing edge from
// the original's aspect ratio; every other fit requires both edges.
func (n *Normalizer) Normalize(ctx context.Context, requested domain.Transformation) (domain.Transformation, error) {
	if requested.IsOriginal() {
		return domain.OriginalTransformation(), nil
	}

	t := requested
	if t.Fit == "" {
		t.Fit = domain.FitScale
	}

	switch t.Fit {
	case domain.FitScale:
		if t.Width <= 0 || t.Height <= 0 {
			attrs, err := n.attributes(ctx)
			if err != nil {
				return domain.Transformation{}, err
			}
			switch {
			case t.Width <= 0 && t.Height <= 0:
				t.Width, t.Height = attrs.Width, attrs.Height
			case t.Width <= 0:
				t.Width = scaledEdge(attrs.Width, t.Height, attrs.Height)
			default:
				t.Height = scaledEdge(attrs.Height, t.Width, attrs.Width)
			}
		}
	case domain.FitFit, domain.FitFill, domain.FitStretch, domain.FitCrop:
		if t.Width <= 0 || t.Height <= 0 {
			return domain.Transformation{}, domain.NewValidationError(
				"dimensions", fmt.Sprintf("fit mode %q requires explicit width and height", t.Fit))
		}
	default:
		return domain.Transformation{}, domain.NewValidationError("fit", fmt.Sprintf("unknown fit mode %q", t.Fit))
	}

	if t.Format == "" {
		attrs, err := n.attributes(ctx)
		if err != nil {
			return domain.Transformation{}, err
		}
		t.Format = attrs.Format
	}

	if t.Rotate == domain.RotateAuto {
		attrs, err := n.attributes(ctx)
		if err != nil {
			return domain.Transformation{}, err
		}
		rotate, flipH := orientationAdjustment(attrs.Orientation)
		t.Rotate = rotate
		if flipH {
			t.Flip = withHorizontalFlip(t.Flip)
		}
	}

	if t.Gravity == "" {
		t.Gravity = domain.GravityCenter
	}
	if t.Flip == "" {
		t.Flip = domain.FlipNone
	}
	if t.Filter == "" {
		t.Filter = domain.FilterNone
	}
	if !domain.SupportsQuality(t.Format) {
		t.Quality = 0
	}

	if err := t.Validate(); err != nil {
		return domain.Transformation{}, err
	}
	return t, nil
}

func scaledEdge(edge, target, reference int) int {
	derived := int(math.Round(float64(edge) * float64(target) / float64(reference)))
	if derived < 1 {
		derived = 1
	}
	return derived
}

// orientationAdjustment maps an EXIF orientation to the rotation and mirror
// that upright the image.
func orientationAdjustment(orientation int) (rotate int, flipH bool) {
	switch orientation {
	case 2:
		return 0, true
	case 3:
		return 180, false
	case 4:
		return 180, true
	case 5:
		return 90, true
	case 6:
		return 90, false
	case 7:
		return 270, true
	case 8:
		return 270, false
	}
	return 0, false
}

func withHorizontalFlip(flip string) string {
	switch flip {
	case "", domain.FlipNone:
		return domain.FlipHorizontal
	case domain.FlipHorizontal:
		return domain.FlipNone
	case domain.FlipVertical:
		return domain.FlipBoth
	case domain.FlipBoth:
		return domain.FlipVertical
	}
	return flip
}
