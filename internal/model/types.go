package model

import "fmt"

const (
	// ImageSize is the square edge, in pixels, the classifier was trained on.
	ImageSize = 224
	// Channels is the number of colour channels per pixel (RGB).
	Channels = 3
)

// Metadata describes a model artifact. It is shipped next to the .onnx file
// and pins the input/output contract together with the class ordering.
type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	InputName   string   `json:"input_name,omitempty"`
	OutputName  string   `json:"output_name,omitempty"`
}

// DefaultMetadata returns the metadata of the reference artifact for schema.
func DefaultMetadata(schema Schema) Metadata {
	return Metadata{
		InputShape:  InputShape(),
		OutputShape: []int64{1, int64(schema.Len())},
		Classes:     schema.Labels(),
		ImageSize:   ImageSize,
		InputName:   "input",
		OutputName:  "output",
	}
}

// InputShape is the NHWC shape of one preprocessed image with its batch dimension.
func InputShape() []int64 {
	return []int64{1, ImageSize, ImageSize, Channels}
}

// Tensor is a dense float32 tensor in row-major order.
type Tensor struct {
	Shape []int64
	Data  []float32
}

// NewTensor validates that data holds exactly the number of elements shape describes.
func NewTensor(shape []int64, data []float32) (*Tensor, error) {
	if n := elements(shape); n != len(data) {
		return nil, fmt.Errorf("%w: tensor of shape %v needs %d values, got %d", ErrValidation, shape, n, len(data))
	}
	return &Tensor{Shape: shape, Data: data}, nil
}

// SameShape reports whether t has exactly the given shape.
func (t *Tensor) SameShape(shape []int64) bool {
	return t != nil && sameShape(t.Shape, shape)
}

func elements(shape []int64) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= int(d)
	}
	return n
}

type PredictionRequest struct {
	Image []float32 `json:"image" binding:"required"`
}
