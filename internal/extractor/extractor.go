// Package extractor turns decoded frames into face descriptors through an
// external Encoder.
package extractor

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"strings"

	"github.com/andresmejia3/facefinder/internal/types"
	_ "golang.org/x/image/webp"
)

var (
	// ErrDecode is returned when image bytes cannot be turned into a frame.
	ErrDecode = errors.New("decode failure")
	// ErrNoFace means the encoder located zero faces.
	ErrNoFace = errors.New("no face detected")
	// ErrInvalidQuery marks a query image that cannot produce a descriptor.
	// It always wraps ErrDecode or ErrNoFace.
	ErrInvalidQuery = errors.New("invalid query input")
)

// Encoder is the external face detection/encoding capability.
// Implementations must not retain or modify img.
type Encoder interface {
	Encode(ctx context.Context, img image.Image) ([]types.Face, error)
}

// EncoderFunc adapts a function to Encoder.
type EncoderFunc func(ctx context.Context, img image.Image) ([]types.Face, error)

func (f EncoderFunc) Encode(ctx context.Context, img image.Image) ([]types.Face, error) {
	return f(ctx, img)
}

// Extractor produces descriptors from frames.
type Extractor struct {
	Encoder Encoder
}

func New(enc Encoder) *Extractor {
	return &Extractor{Encoder: enc}
}

// DecodeImage decodes jpeg, png, gif or webp bytes into a frame.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return img, nil
}

// LoadImage reads and decodes a still image from disk.
func LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// ToRGBA returns an RGBA copy of img anchored at (0,0). The input is never modified.
func ToRGBA(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Extract returns one descriptor per located face, in detection order.
// A frame without faces yields an empty slice and no error.
func (e *Extractor) Extract(ctx context.Context, img image.Image) ([]types.Descriptor, error) {
	faces, err := e.faces(ctx, img)
	if err != nil {
		return nil, err
	}
	out := make([]types.Descriptor, 0, len(faces))
	for _, f := range faces {
		out = append(out, f.Descriptor)
	}
	return out, nil
}

// ExtractFile loads a still image and extracts its descriptors.
func (e *Extractor) ExtractFile(ctx context.Context, path string) ([]types.Descriptor, error) {
	img, err := LoadImage(path)
	if err != nil {
		return nil, err
	}
	return e.Extract(ctx, img)
}

// ExtractQuery returns the descriptor of the largest face in img.
func (e *Extractor) ExtractQuery(ctx context.Context, img image.Image) (types.Descriptor, error) {
	faces, err := e.faces(ctx, img)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, ErrNoFace)
	}

	best := faces[0]
	maxArea := area(best.Box)
	for _, f := range faces[1:] {
		if a := area(f.Box); a > maxArea {
			maxArea = a
			best = f
		}
	}
	return best.Descriptor, nil
}

// ExtractQueryBytes decodes an uploaded query image and extracts its descriptor.
// data may be raw image bytes or a base64 data URL ("data:image/png;base64,...").
func (e *Extractor) ExtractQueryBytes(ctx context.Context, data []byte) (types.Descriptor, error) {
	if bytes.HasPrefix(data, []byte("data:")) {
		_, encoded, ok := strings.Cut(string(data), ",")
		if !ok {
			return nil, fmt.Errorf("%w: %w: malformed data URL", ErrInvalidQuery, ErrDecode)
		}
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: %w: %v", ErrInvalidQuery, ErrDecode, err)
		}
		data = raw
	}

	img, err := DecodeImage(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return e.ExtractQuery(ctx, img)
}

func (e *Extractor) faces(ctx context.Context, img image.Image) ([]types.Face, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, fmt.Errorf("%w: empty frame", ErrDecode)
	}
	// Encoders see an RGBA frame anchored at the origin, so boxes are in frame coordinates.
	if rgba, ok := img.(*image.RGBA); !ok || rgba.Rect.Min != (image.Point{}) {
		img = ToRGBA(img)
	}
	faces, err := e.Encoder.Encode(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("encode faces: %w", err)
	}
	for i, f := range faces {
		if len(f.Descriptor) != types.DescriptorDim {
			return nil, fmt.Errorf("face %d: descriptor has %d values, want %d", i, len(f.Descriptor), types.DescriptorDim)
		}
	}
	return faces, nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
