package pipeline

import (
	"fmt"

	"github.com/imagevault/imagevault/internal/domain"
)

type stage int

const (
	stageFirstPage stage = iota
	stageFilter
	stageResize
	stageRotateFlip
	stagePad
	stageBlur
)

// stageOrder is part of the contract.
var stageOrder = [...]stage{stageFirstPage, stageFilter, stageResize, stageRotateFlip, stagePad, stageBlur}

func (s stage) name() string {
	switch s {
	case stageFirstPage:
		return "first_page"
	case stageFilter:
		return "filter"
	case stageResize:
		return "resize"
	case stageRotateFlip:
		return "rotate_flip"
	case stagePad:
		return "pad"
	case stageBlur:
		return "blur"
	}
	return "unknown"
}

// premultiplied declares the alpha state a stage needs to run in.
func (s stage) premultiplied() bool {
	switch s {
	case stageResize, stageBlur:
		return true
	}
	return false
}

func (s stage) requires(img Image, t domain.Transformation) bool {
	switch s {
	case stageFirstPage:
		return img.Pages() > 1
	case stageFilter:
		return t.Filter != "" && t.Filter != domain.FilterNone
	case stageResize:
		return t.Width > 0 && t.Height > 0 && (t.Width != img.Width() || t.Height != img.Height())
	case stageRotateFlip:
		return t.Rotate%360 != 0 || (t.Flip != "" && t.Flip != domain.FlipNone)
	case stagePad:
		return t.Pad > 0
	case stageBlur:
		return t.Blur > 0
	}
	return false
}

// apply reports whether the LQIP must be regenerated from the output.
func (s stage) apply(img Image, t domain.Transformation) (bool, error) {
	switch s {
	case stageFirstPage:
		return false, img.ExtractPage(0)
	case stageFilter:
		return true, img.ApplyFilter(t.Filter)
	case stageResize:
		return false, applyResize(img, t)
	case stageRotateFlip:
		return true, applyRotateFlip(img, t)
	case stagePad:
		return false, img.Pad(t.Pad, t.Background)
	case stageBlur:
		return true, img.GaussianBlur(t.Blur)
	}
	return false, fmt.Errorf("unknown stage %d", s)
}

// StageStatus records one applied stage; skipped stages are not recorded.
type StageStatus struct {
	Stage string
	Err   error
}

// Result is the outcome of one run; on failure Image is the last good state,
// restored to un-premultiplied alpha.
type Result struct {
	Image          Image
	Applied        []StageStatus
	RegenerateLQIP bool
	FailedStage    string
}

// Failure returns nil on success.
func (r Result) Failure() error {
	if r.FailedStage == "" {
		return nil
	}
	var cause error
	for _, s := range r.Applied {
		if s.Stage == r.FailedStage {
			cause = s.Err
		}
	}
	return &Failure{Stage: r.FailedStage, Applied: r.Applied, Err: cause}
}

type Failure struct {
	Stage   string
	Applied []StageStatus
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("pipeline stage %s failed after %d applied stages: %v", f.Stage, len(f.Applied), f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Run never returns an error itself; failures are captured in the Result. The
// image converts to a stage's alpha state only when it differs and alpha is
// present, and is always left un-premultiplied at the end.
func Run(img Image, t domain.Transformation) Result {
	result := Result{Image: img}
	premultiplied := false

	defer func() {
		if premultiplied {
			if err := img.Unpremultiply(); err != nil {
				result.Applied = append(result.Applied, StageStatus{Stage: "unpremultiply", Err: err})
				if result.FailedStage == "" {
					result.FailedStage = "unpremultiply"
				}
			}
		}
	}()

	for _, s := range stageOrder {
		if !s.requires(img, t) {
			continue
		}

		if img.HasAlpha() && s.premultiplied() != premultiplied {
			var err error
			if s.premultiplied() {
				err = img.Premultiply()
			} else {
				err = img.Unpremultiply()
			}
			if err != nil {
				result.Applied = append(result.Applied, StageStatus{Stage: s.name(), Err: err})
				result.FailedStage = s.name()
				return result
			}
			premultiplied = s.premultiplied()
		}

		regen, err := s.apply(img, t)
		result.Applied = append(result.Applied, StageStatus{Stage: s.name(), Err: err})
		if err != nil {
			result.FailedStage = s.name()
			return result
		}
		result.RegenerateLQIP = result.RegenerateLQIP || regen
	}

	return result
}
