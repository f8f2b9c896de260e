package pipeline

import (
	"fmt"

	"github.com/imagevault/imagevault/internal/domain"
)

func applyResize(img Image, t domain.Transformation) error {
	srcW, srcH := img.Width(), img.Height()
	if srcW <= 0 || srcH <= 0 {
		return fmt.Errorf("source image has invalid dimensions %dx%d", srcW, srcH)
	}

	switch t.Fit {
	case domain.FitScale, domain.FitStretch:
		return img.Resize(t.Width, t.Height)

	case domain.FitFit:
		w, h := fitWithin(srcW, srcH, t.Width, t.Height)
		return img.Resize(w, h)

	case domain.FitFill:
		w, h := coverBox(srcW, srcH, t.Width, t.Height)
		if err := img.Resize(w, h); err != nil {
			return err
		}
		left, top := cropOffset(t.Gravity, w, h, t.Width, t.Height)
		return img.ExtractArea(left, top, t.Width, t.Height)

	case domain.FitCrop:
		w, h := t.Width, t.Height
		if w > srcW {
			w = srcW
		}
		if h > srcH {
			h = srcH
		}
		left, top := cropOffset(t.Gravity, srcW, srcH, w, h)
		return img.ExtractArea(left, top, w, h)

	default:
		return fmt.Errorf("unknown fit mode %q", t.Fit)
	}
}

func applyRotateFlip(img Image, t domain.Transformation) error {
	if angle := ((t.Rotate % 360) + 360) % 360; angle != 0 {
		if err := img.Rotate(angle); err != nil {
			return err
		}
	}
	switch t.Flip {
	case domain.FlipHorizontal:
		return img.Flip(true, false)
	case domain.FlipVertical:
		return img.Flip(false, true)
	case domain.FlipBoth:
		return img.Flip(true, true)
	}
	return nil
}

// fitWithin keeps aspect ratio inside the box.
func fitWithin(srcW, srcH, boxW, boxH int) (int, int) {
	scaleW := float64(boxW) / float64(srcW)
	scaleH := float64(boxH) / float64(srcH)
	scale := scaleW
	if scaleH < scale {
		scale = scaleH
	}
	return atLeastOne(int(float64(srcW)*scale + 0.5)), atLeastOne(int(float64(srcH)*scale + 0.5))
}

// coverBox keeps aspect ratio while covering the box.
func coverBox(srcW, srcH, boxW, boxH int) (int, int) {
	scaleW := float64(boxW) / float64(srcW)
	scaleH := float64(boxH) / float64(srcH)
	scale := scaleW
	if scaleH > scale {
		scale = scaleH
	}
	w := atLeastOne(int(float64(srcW)*scale + 0.5))
	h := atLeastOne(int(float64(srcH)*scale + 0.5))
	if w < boxW {
		w = boxW
	}
	if h < boxH {
		h = boxH
	}
	return w, h
}

func cropOffset(gravity string, srcW, srcH, cropW, cropH int) (int, int) {
	centerX := (srcW - cropW) / 2
	centerY := (srcH - cropH) / 2
	rightX := srcW - cropW
	bottomY := srcH - cropH

	switch gravity {
	case domain.GravityNorth:
		return centerX, 0
	case domain.GravitySouth:
		return centerX, bottomY
	case domain.GravityWest:
		return 0, centerY
	case domain.GravityEast:
		return rightX, centerY
	case domain.GravityNorthWest:
		return 0, 0
	case domain.GravityNorthEast:
		return rightX, 0
	case domain.GravitySouthWest:
		return 0, bottomY
	case domain.GravitySouthEast:
		return rightX, bottomY
	default:
		return centerX, centerY
	}
}

func atLeastOne(v int) int {
	if v < 1 {
		return 1
	}
	return v
}
