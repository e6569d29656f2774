package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/leaf-api/internal/artifact"
	"github.com/Brownie44l1/leaf-api/internal/logging"
)

// LoaderConfig locates the model artifact.
type LoaderConfig struct {
	// ModelPath is where the artifact lives on local storage.
	ModelPath string
	// MetadataPath is an optional JSON Metadata file. Without it the
	// reference metadata for the schema is assumed.
	MetadataPath string
	// SHA256 optionally pins the artifact contents.
	SHA256 string
	// Source is consulted only when ModelPath does not exist.
	Source artifact.Source
}

// Loader acquires the model artifact and deserializes it at most once per
// process. The loaded Classifier is shared by every caller.
type Loader struct {
	cfg    LoaderConfig
	schema Schema
	open   Opener
	logger *zap.Logger

	group singleflight.Group

	mu          sync.RWMutex
	classifier  Classifier
	fingerprint string
}

func NewLoader(cfg LoaderConfig, schema Schema, open Opener, logger *zap.Logger) *Loader {
	return &Loader{
		cfg:    cfg,
		schema: schema,
		open:   open,
		logger: logger.Named("model_loader"),
	}
}

// Classifier returns the process-wide classifier, loading it on first use.
// Concurrent callers during a cold start share a single load, which runs
// with the context of the caller that started it. A failed load publishes
// nothing; the error is returned to every waiting caller.
func (l *Loader) Classifier(ctx context.Context) (Classifier, error) {
	if c := l.current(); c != nil {
		return c, nil
	}

	v, err, _ := l.group.Do("classifier", func() (any, error) {
		if c := l.current(); c != nil {
			return c, nil
		}
		c, fingerprint, err := l.load(ctx)
		if err != nil {
			return nil, err
		}

		l.mu.Lock()
		l.classifier = c
		l.fingerprint = fingerprint
		l.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, logging.NewOperationError("model.load", "", err)
	}
	return v.(Classifier), nil
}

// Ready reports whether the classifier has been loaded.
func (l *Loader) Ready() bool {
	return l.current() != nil
}

// Fingerprint is the SHA-256 of the loaded artifact, or "" before loading.
func (l *Loader) Fingerprint() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fingerprint
}

// Close releases the loaded classifier.
func (l *Loader) Close() error {
	l.mu.Lock()
	c := l.classifier
	l.classifier = nil
	l.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}

func (l *Loader) current() Classifier {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.classifier
}

func (l *Loader) load(ctx context.Context) (Classifier, string, error) {
	fingerprint, downloaded, err := l.ensureArtifact(ctx)
	if err != nil {
		return nil, "", err
	}

	if want := strings.TrimSpace(l.cfg.SHA256); want != "" && !strings.EqualFold(want, fingerprint) {
		if downloaded {
			if rmErr := os.Remove(l.cfg.ModelPath); rmErr != nil {
				l.logger.Warn("failed to remove mismatching artifact", zap.Error(rmErr))
			}
		}
		return nil, "", fmt.Errorf("%w: sha256 %s, expected %s", ErrCorruptArtifact, fingerprint, want)
	}

	meta, err := l.readMetadata()
	if err != nil {
		return nil, "", err
	}
	if !sameShape(meta.InputShape, InputShape()) {
		return nil, "", fmt.Errorf("%w: model input shape %v, preprocessing produces %v", ErrSchemaMismatch, meta.InputShape, InputShape())
	}
	if err := l.schema.Verify(meta); err != nil {
		return nil, "", err
	}

	c, err := l.open(l.cfg.ModelPath, meta)
	if err != nil {
		if !errors.Is(err, ErrCorruptArtifact) {
			err = fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
		}
		return nil, "", err
	}

	l.logger.Info("model loaded",
		zap.String("path", l.cfg.ModelPath),
		zap.String("sha256", fingerprint),
		zap.Int("classes", l.schema.Len()))
	return c, fingerprint, nil
}

// ensureArtifact makes sure the artifact exists locally, downloading it
// only when it is absent.
func (l *Loader) ensureArtifact(ctx context.Context) (string, bool, error) {
	info, err := os.Stat(l.cfg.ModelPath)
	switch {
	case err == nil:
		if info.IsDir() {
			return "", false, fmt.Errorf("%w: %s is a directory", ErrCorruptArtifact, l.cfg.ModelPath)
		}
		sum, err := artifact.Checksum(l.cfg.ModelPath)
		if err != nil {
			return "", false, fmt.Errorf("%w: read %s: %w", ErrCorruptArtifact, l.cfg.ModelPath, err)
		}
		return sum, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return "", false, fmt.Errorf("%w: stat %s: %w", ErrAcquisition, l.cfg.ModelPath, err)
	}

	if l.cfg.Source == nil {
		return "", false, fmt.Errorf("%w: %s not found and no remote source configured", ErrAcquisition, l.cfg.ModelPath)
	}

	l.logger.Info("model artifact not found locally, downloading", zap.String("path", l.cfg.ModelPath))
	sum, err := artifact.Download(ctx, l.cfg.Source, l.cfg.ModelPath, l.logger)
	if err != nil {
		return "", false, fmt.Errorf("%w: %w", ErrAcquisition, err)
	}
	return sum, true, nil
}

func (l *Loader) readMetadata() (Metadata, error) {
	if l.cfg.MetadataPath == "" {
		return DefaultMetadata(l.schema), nil
	}

	raw, err := os.ReadFile(l.cfg.MetadataPath)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to read metadata: %w", ErrAcquisition, err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("%w: failed to parse metadata: %w", ErrCorruptArtifact, err)
	}
	if len(meta.InputShape) == 0 {
		meta.InputShape = InputShape()
	}
	if meta.ImageSize == 0 {
		meta.ImageSize = ImageSize
	}
	return meta, nil
}

func sameShape(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
