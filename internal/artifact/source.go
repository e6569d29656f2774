// Package artifact fetches model artifacts from a remote location and
// persists them on local storage.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// Source streams an artifact from wherever it is published.
type Source interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// HTTPSource downloads an artifact with a GET request.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(url string, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{URL: url, Client: client}
}

func (s *HTTPSource) Open(ctx context.Context) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", s.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		return nil, fmt.Errorf("GET %s: unexpected status %s", s.URL, resp.Status)
	}
	return resp.Body, nil
}

// Download copies src into path through a temporary file in the same
// directory, so a reader never observes a partially written artifact.
// It returns the hex SHA-256 of the written bytes.
func Download(ctx context.Context, src Source, path string, logger *zap.Logger) (string, error) {
	body, err := src.Open(ctx)
	if err != nil {
		return "", err
	}
	defer body.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.part")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), body)
	if err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if n == 0 {
		return "", errors.New("remote artifact is empty")
	}
	if err := tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename artifact: %w", err)
	}
	committed = true

	logger.Info("artifact downloaded", zap.String("path", path), zap.Int64("bytes", n))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Checksum returns the hex SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
