package domain

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TransformationKey hashes a fixed-field-order serialization, so the key does
// not depend on how the request spelled or ordered its fields.
func TransformationKey(t Transformation) string {
	if t.Original {
		return hashFields([][2]string{{"original", "1"}})
	}
	return hashFields([][2]string{
		{"w", strconv.Itoa(t.Width)},
		{"h", strconv.Itoa(t.Height)},
		{"fit", t.Fit},
		{"gravity", t.Gravity},
		{"rotate", strconv.Itoa(t.Rotate)},
		{"flip", t.Flip},
		{"filter", t.Filter},
		{"blur", strconv.FormatFloat(t.Blur, 'f', -1, 64)},
		{"quality", strconv.Itoa(t.Quality)},
		{"pad", strconv.Itoa(t.Pad)},
		{"background", t.Background},
		{"format", t.Format},
	})
}

// OriginalKey hashes the original's own decoded attributes, since no
// transformation fields exist for it.
func OriginalKey(attrs Attributes) string {
	return hashFields([][2]string{
		{"orig_w", strconv.Itoa(attrs.Width)},
		{"orig_h", strconv.Itoa(attrs.Height)},
		{"orig_format", attrs.Format},
		{"orig_pages", strconv.Itoa(attrs.Pages)},
		{"orig_loop", strconv.Itoa(attrs.LoopCount)},
	})
}

func hashFields(fields [][2]string) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(f[0])
		b.WriteByte('=')
		b.WriteString(f[1])
		b.WriteByte(';')
	}
	return fmt.Sprintf("%016x", xxhash.Sum64String(b.String()))
}
