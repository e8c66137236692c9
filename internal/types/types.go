package types

import (
	"fmt"
	"image"
	"strings"
)

// DescriptorDim is the length of every face descriptor produced by the encoder.
const DescriptorDim = 128

// Descriptor is a 128-d face encoding. It carries no identity label.
type Descriptor []float64

// MediaType classifies a file in the media root.
type MediaType int

const (
	Unsupported MediaType = iota
	Image
	Video
)

func (t MediaType) String() string {
	switch t {
	case Image:
		return "image"
	case Video:
		return "video"
	default:
		return "unsupported"
	}
}

// ParseMediaType is the inverse of String for the two storable types.
func ParseMediaType(s string) (MediaType, error) {
	switch strings.ToLower(s) {
	case "image":
		return Image, nil
	case "video":
		return Video, nil
	}
	return Unsupported, fmt.Errorf("unknown media type %q", s)
}

func (t MediaType) MarshalText() ([]byte, error) {
	if t != Image && t != Video {
		return nil, fmt.Errorf("media type %d is not storable", int(t))
	}
	return []byte(t.String()), nil
}

func (t *MediaType) UnmarshalText(b []byte) error {
	v, err := ParseMediaType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MediaRecord is one indexed file. Path is relative to the media root and uses
// forward slashes. For videos, Descriptors concatenates the faces of all sampled
// frames in frame order; the frame each one came from is not kept.
type MediaRecord struct {
	Type        MediaType
	Path        string
	Descriptors []Descriptor
}

// Match is a single query hit, in store order.
type Match struct {
	Type MediaType `json:"type"`
	Path string    `json:"path"`
}

// Face is one detection returned by an Encoder.
type Face struct {
	Box        image.Rectangle
	Descriptor Descriptor
}

// FaceResult matches the JSON structure coming back from the Python worker
type FaceResult struct {
	Loc []int     `json:"loc"` // [top, right, bottom, left]
	Vec []float64 `json:"vec"` // 128-d face encoding
}

// ErrorResult captures the error object returned by Python on failure
type ErrorResult struct {
	Error string `json:"error"`
}
