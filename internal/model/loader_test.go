package model

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/artifact"
	"github.com/Brownie44l1/leaf-api/internal/logging"
)

type stubClassifier struct {
	closed atomic.Bool
}

func (s *stubClassifier) Predict(ctx context.Context, input *Tensor) ([]float32, error) {
	return nil, errors.New("not used")
}

func (s *stubClassifier) Close() error {
	s.closed.Store(true)
	return nil
}

type countingOpener struct {
	calls atomic.Int32
	err   error
}

func (o *countingOpener) open(path string, meta Metadata) (Classifier, error) {
	o.calls.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return &stubClassifier{}, nil
}

func writeArtifact(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "leaf.onnx")
	require.NoError(t, os.WriteFile(path, []byte("model"), 0o644))
	return path
}

func TestLoaderConcurrentColdStartLoadsOnce(t *testing.T) {
	req := require.New(t)

	var downloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
		_, _ = w.Write([]byte("model"))
	}))
	defer srv.Close()

	opener := &countingOpener{}
	path := filepath.Join(t.TempDir(), "leaf.onnx")
	loader := NewLoader(LoaderConfig{
		ModelPath: path,
		Source:    artifact.NewHTTPSource(srv.URL, srv.Client()),
	}, DefaultSchema(), opener.open, zap.NewNop())

	const callers = 32
	results := make([]Classifier, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = loader.Classifier(context.Background())
		}(i)
	}
	close(start)
	wg.Wait()

	req.EqualValues(1, downloads.Load())
	req.EqualValues(1, opener.calls.Load())
	for i, c := range results {
		req.NoError(errs[i])
		req.Same(results[0], c)
	}
	req.True(loader.Ready())
	req.NotEmpty(loader.Fingerprint())
}

func TestLoaderSkipsDownloadWhenArtifactPresent(t *testing.T) {
	req := require.New(t)

	var downloads atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads.Add(1)
	}))
	defer srv.Close()

	opener := &countingOpener{}
	loader := NewLoader(LoaderConfig{
		ModelPath: writeArtifact(t, t.TempDir()),
		Source:    artifact.NewHTTPSource(srv.URL, srv.Client()),
	}, DefaultSchema(), opener.open, zap.NewNop())

	_, err := loader.Classifier(context.Background())
	req.NoError(err)
	_, err = loader.Classifier(context.Background())
	req.NoError(err)

	req.Zero(downloads.Load())
	req.EqualValues(1, opener.calls.Load())
}

func TestLoaderMissingArtifactWithoutSource(t *testing.T) {
	req := require.New(t)
	opener := &countingOpener{}
	loader := NewLoader(LoaderConfig{
		ModelPath: filepath.Join(t.TempDir(), "missing.onnx"),
	}, DefaultSchema(), opener.open, zap.NewNop())

	_, err := loader.Classifier(context.Background())
	req.ErrorIs(err, ErrAcquisition)
	var opErr *logging.OperationError
	req.True(errors.As(err, &opErr))
	req.Equal("model.load", opErr.Operation)
	req.Zero(opener.calls.Load())
	req.False(loader.Ready())
}

func TestLoaderDownloadFailureIsAcquisitionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := NewLoader(LoaderConfig{
		ModelPath: filepath.Join(t.TempDir(), "leaf.onnx"),
		Source:    artifact.NewHTTPSource(srv.URL, srv.Client()),
	}, DefaultSchema(), (&countingOpener{}).open, zap.NewNop())

	_, err := loader.Classifier(context.Background())
	require.ErrorIs(t, err, ErrAcquisition)
}

func TestLoaderChecksumMismatch(t *testing.T) {
	opener := &countingOpener{}
	loader := NewLoader(LoaderConfig{
		ModelPath: writeArtifact(t, t.TempDir()),
		SHA256:    "0000",
	}, DefaultSchema(), opener.open, zap.NewNop())

	_, err := loader.Classifier(context.Background())
	require.ErrorIs(t, err, ErrCorruptArtifact)
	require.Zero(t, opener.calls.Load())
}

func TestLoaderChecksumMatch(t *testing.T) {
	path := writeArtifact(t, t.TempDir())
	sum, err := artifact.Checksum(path)
	require.NoError(t, err)

	loader := NewLoader(LoaderConfig{ModelPath: path, SHA256: sum}, DefaultSchema(), (&countingOpener{}).open, zap.NewNop())
	_, err = loader.Classifier(context.Background())
	require.NoError(t, err)
	require.Equal(t, sum, loader.Fingerprint())
}

func TestLoaderOpenFailureIsCorruptAndNotPublished(t *testing.T) {
	req := require.New(t)
	opener := &countingOpener{err: errors.New("protobuf parsing failed")}
	loader := NewLoader(LoaderConfig{ModelPath: writeArtifact(t, t.TempDir())}, DefaultSchema(), opener.open, zap.NewNop())

	_, err := loader.Classifier(context.Background())
	req.ErrorIs(err, ErrCorruptArtifact)
	req.False(loader.Ready())
	req.Empty(loader.Fingerprint())

	opener.err = nil
	c, err := loader.Classifier(context.Background())
	req.NoError(err)
	req.NotNil(c)
	req.EqualValues(2, opener.calls.Load())
}

func TestLoaderRejectsMetadataForAnotherSchema(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()

	schema := MustSchema([]string{"a", "b", "c"})
	meta := Metadata{
		InputShape:  InputShape(),
		OutputShape: []int64{1, 3},
		Classes:     []string{"a", "c", "b"},
	}
	raw, err := json.Marshal(meta)
	req.NoError(err)
	metaPath := filepath.Join(dir, "metadata.json")
	req.NoError(os.WriteFile(metaPath, raw, 0o644))

	opener := &countingOpener{}
	loader := NewLoader(LoaderConfig{ModelPath: writeArtifact(t, dir), MetadataPath: metaPath}, schema, opener.open, zap.NewNop())

	_, err = loader.Classifier(context.Background())
	req.ErrorIs(err, ErrSchemaMismatch)
	req.Zero(opener.calls.Load())
}

func TestLoaderRejectsForeignInputShape(t *testing.T) {
	dir := t.TempDir()
	raw, err := json.Marshal(Metadata{InputShape: []int64{1, 3, 224, 224}, OutputShape: []int64{1, 2}})
	require.NoError(t, err)
	metaPath := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(metaPath, raw, 0o644))

	loader := NewLoader(LoaderConfig{ModelPath: writeArtifact(t, dir), MetadataPath: metaPath},
		MustSchema([]string{"a", "b"}), (&countingOpener{}).open, zap.NewNop())

	_, err = loader.Classifier(context.Background())
	require.ErrorIs(t, err, ErrSchemaMismatch)
}

func TestLoaderUnparsableMetadata(t *testing.T) {
	dir := t.TempDir()
	metaPath := filepath.Join(dir, "metadata.json")
	require.NoError(t, os.WriteFile(metaPath, []byte("{"), 0o644))

	loader := NewLoader(LoaderConfig{ModelPath: writeArtifact(t, dir), MetadataPath: metaPath},
		DefaultSchema(), (&countingOpener{}).open, zap.NewNop())

	_, err := loader.Classifier(context.Background())
	require.ErrorIs(t, err, ErrCorruptArtifact)
}

func TestLoaderClose(t *testing.T) {
	req := require.New(t)
	loader := NewLoader(LoaderConfig{ModelPath: writeArtifact(t, t.TempDir())}, DefaultSchema(), (&countingOpener{}).open, zap.NewNop())

	c, err := loader.Classifier(context.Background())
	req.NoError(err)
	req.NoError(loader.Close())
	req.True(c.(*stubClassifier).closed.Load())
	req.False(loader.Ready())
	req.NoError(loader.Close())
}
