package lqip

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"

	"github.com/buckket/go-blurhash"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"

	"github.com/imagevault/imagevault/internal/domain"
)

const (
	AlgorithmBlurhash  = "blurhash"
	AlgorithmThumbnail = "thumbnail"
)

const thumbnailMaxDim = 16

// Decodable reports whether Generate can read encoded bytes of the format.
func Decodable(format string) bool {
	switch format {
	case domain.FormatJPEG, domain.FormatPNG, domain.FormatGIF, domain.FormatWebP:
		return true
	}
	return false
}

// Generate works from encoded bytes so both pipeline backends share one
// implementation. Unknown algorithm names fail.
func Generate(data []byte, algorithms []string) (domain.LQIPSet, error) {
	if len(algorithms) == 0 {
		return nil, nil
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image for lqip: %w", err)
	}

	set := make(domain.LQIPSet, len(algorithms))
	for _, algorithm := range algorithms {
		switch algorithm {
		case AlgorithmBlurhash:
			hash, err := encodeBlurhash(img)
			if err != nil {
				return nil, err
			}
			set[AlgorithmBlurhash] = hash
		case AlgorithmThumbnail:
			thumb, err := encodeThumbnail(img)
			if err != nil {
				return nil, err
			}
			set[AlgorithmThumbnail] = thumb
		default:
			return nil, fmt.Errorf("unknown lqip algorithm %q", algorithm)
		}
	}
	return set, nil
}

func encodeBlurhash(img image.Image) (string, error) {
	// Blurhash cost grows with input size; hash a small copy.
	small := imaging.Fit(img, 64, 64, imaging.Lanczos)
	hash, err := blurhash.Encode(4, 3, small)
	if err != nil {
		return "", fmt.Errorf("encode blurhash: %w", err)
	}
	return hash, nil
}

func encodeThumbnail(img image.Image) (string, error) {
	small := imaging.Fit(img, thumbnailMaxDim, thumbnailMaxDim, imaging.Box)
	var buf bytes.Buffer
	if err := png.Encode(&buf, small); err != nil {
		return "", fmt.Errorf("encode thumbnail: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
