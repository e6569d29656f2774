package model

import "context"

// Classifier maps a preprocessed image tensor of shape InputShape() to a
// probability distribution ordered like the label schema. Implementations
// must be deterministic and safe for concurrent use.
type Classifier interface {
	Predict(ctx context.Context, input *Tensor) ([]float32, error)
	Close() error
}

// Opener deserializes the artifact at path into a Classifier.
type Opener func(path string, meta Metadata) (Classifier, error)
