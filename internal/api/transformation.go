package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/imagevault/imagevault/internal/domain"
)

var transformationParams = []string{
	"original", "width", "height", "fit", "gravity", "rotate", "flip",
	"filter", "blur", "quality", "pad", "background", "format",
}

func transformationRequested(query url.Values) bool {
	for _, param := range transformationParams {
		if query.Has(param) {
			return true
		}
	}
	return false
}

// parseTransformation reads the requested transformation from query
// parameters. Absent parameters stay zero; the normalizer fills them in.
func parseTransformation(query url.Values) (domain.Transformation, error) {
	if query.Get("original") == "true" {
		return domain.OriginalTransformation(), nil
	}

	var t domain.Transformation
	var err error

	if t.Width, err = intParam(query, "width"); err != nil {
		return domain.Transformation{}, err
	}
	if t.Height, err = intParam(query, "height"); err != nil {
		return domain.Transformation{}, err
	}
	if t.Quality, err = intParam(query, "quality"); err != nil {
		return domain.Transformation{}, err
	}
	if t.Pad, err = intParam(query, "pad"); err != nil {
		return domain.Transformation{}, err
	}

	switch rotate := query.Get("rotate"); rotate {
	case "":
	case "auto":
		t.Rotate = domain.RotateAuto
	default:
		t.Rotate, err = strconv.Atoi(rotate)
		if err != nil {
			return domain.Transformation{}, domain.NewValidationError("rotate", fmt.Sprintf("invalid rotation %q", rotate))
		}
	}

	if blur := query.Get("blur"); blur != "" {
		t.Blur, err = strconv.ParseFloat(blur, 64)
		if err != nil {
			return domain.Transformation{}, domain.NewValidationError("blur", fmt.Sprintf("invalid blur %q", blur))
		}
	}

	t.Fit = query.Get("fit")
	t.Gravity = query.Get("gravity")
	t.Flip = query.Get("flip")
	t.Filter = query.Get("filter")
	t.Background = query.Get("background")
	t.Format = query.Get("format")
	return t, nil
}

func intParam(query url.Values, name string) (int, error) {
	raw := query.Get(name)
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.NewValidationError(name, fmt.Sprintf("invalid %s %q", name, raw))
	}
	return value, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
