// Package preprocess turns uploaded images into classifier input tensors.
package preprocess

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"github.com/nfnt/resize"

	"github.com/Brownie44l1/leaf-api/internal/model"
)

// SupportedTypes lists the image MIME types Decode accepts.
var SupportedTypes = []string{"image/jpeg", "image/png", "image/gif"}

// Interpolation is the resampling filter used for every image. It must stay
// fixed so that identical uploads always produce identical tensors.
const Interpolation = resize.Bilinear

// MaxPixels bounds the decoded raster. Decode checks the header against it
// before any pixel buffer is allocated.
const MaxPixels = 40_000_000

// Supported reports whether the detected MIME type can be decoded.
func Supported(mtype *mimetype.MIME) bool {
	return mimetype.EqualsAny(mtype.String(), SupportedTypes...)
}

// Decode detects the format of data and decodes it into an image.
// Anything that is not a decodable JPEG, PNG or GIF is a validation error.
func Decode(data []byte) (image.Image, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty image", model.ErrValidation)
	}
	mtype := mimetype.Detect(data)
	if !Supported(mtype) {
		return nil, "", fmt.Errorf("%w: unsupported image type %s", model.ErrValidation, mtype.String())
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s header: %w", model.ErrValidation, mtype.String(), err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return nil, "", fmt.Errorf("%w: unusable image dimensions %dx%d", model.ErrValidation, cfg.Width, cfg.Height)
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s: %w", model.ErrValidation, mtype.String(), err)
	}
	return img, format, nil
}

// Preprocess resizes img to ImageSize x ImageSize, drops alpha, expands
// grayscale to RGB and scales every channel to [0,1]. The result is NHWC
// with a leading batch dimension of 1.
func Preprocess(img image.Image) (*model.Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", model.ErrValidation)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels (%dx%d)", model.ErrValidation, bounds.Dx(), bounds.Dy())
	}

	const size = model.ImageSize
	resized := resize.Resize(size, size, img, Interpolation)
	rb := resized.Bounds()

	data := make([]float32, size*size*model.Channels)
	i := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			c := color.NRGBAModel.Convert(resized.At(rb.Min.X+x, rb.Min.Y+y)).(color.NRGBA)
			data[i] = float32(c.R) / 255.0
			data[i+1] = float32(c.G) / 255.0
			data[i+2] = float32(c.B) / 255.0
			i += model.Channels
		}
	}

	return model.NewTensor(model.InputShape(), data)
}

// DecodeAndPreprocess is Decode followed by Preprocess.
func DecodeAndPreprocess(data []byte) (*model.Tensor, error) {
	img, _, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return Preprocess(img)
}
