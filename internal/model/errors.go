package model

import "errors"

var (
	// ErrAcquisition means the model artifact could not be found or fetched.
	ErrAcquisition = errors.New("model artifact acquisition failed")
	// ErrCorruptArtifact means the artifact exists but cannot be turned into a classifier.
	ErrCorruptArtifact = errors.New("model artifact is corrupt")
	// ErrValidation means a caller supplied input that cannot be classified.
	ErrValidation = errors.New("invalid input")
	// ErrSchemaMismatch means the model output and the label schema disagree.
	ErrSchemaMismatch = errors.New("label schema mismatch")
)
