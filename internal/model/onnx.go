package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

var runtimeMu sync.Mutex

// InitRuntime loads the onnxruntime shared library once per process.
// libPath may be empty to use the library's default lookup.
func InitRuntime(libPath string) error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// ShutdownRuntime releases the onnxruntime environment.
func ShutdownRuntime() error {
	runtimeMu.Lock()
	defer runtimeMu.Unlock()

	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type onnxSession struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func (s *onnxSession) destroy() {
	if s.session != nil {
		s.session.Destroy()
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
	}
}

// ONNXClassifier runs an ONNX image classifier. A session binds its input
// and output tensors, so a fixed pool of sessions serves concurrent callers.
type ONNXClassifier struct {
	Metadata Metadata

	sessions chan *onnxSession
	all      []*onnxSession
	once     sync.Once
}

// ONNXOpener returns an Opener that builds an ONNXClassifier with poolSize
// sessions. The runtime must have been initialised with InitRuntime.
func ONNXOpener(poolSize int) Opener {
	return func(path string, meta Metadata) (Classifier, error) {
		return NewONNXClassifier(path, meta, poolSize)
	}
}

func NewONNXClassifier(modelPath string, meta Metadata, poolSize int) (*ONNXClassifier, error) {
	if poolSize < 1 {
		poolSize = 1
	}
	if !ort.IsInitialized() {
		return nil, errors.New("ONNX environment is not initialized")
	}

	inputName, outputName := meta.InputName, meta.OutputName
	if inputName == "" {
		inputName = "input"
	}
	if outputName == "" {
		outputName = "output"
	}

	c := &ONNXClassifier{
		Metadata: meta,
		sessions: make(chan *onnxSession, poolSize),
	}
	for i := 0; i < poolSize; i++ {
		s, err := newONNXSession(modelPath, inputName, outputName, meta)
		if err != nil {
			c.destroyAll()
			return nil, fmt.Errorf("%w: %w", ErrCorruptArtifact, err)
		}
		c.all = append(c.all, s)
		c.sessions <- s
	}
	return c, nil
}

func newONNXSession(modelPath, inputName, outputName string, meta Metadata) (*onnxSession, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{inputName}, []string{outputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &onnxSession{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
	}, nil
}

// Predict copies input into a free session, runs it and returns a copy of
// the output. It blocks until a session is free or ctx is done.
func (c *ONNXClassifier) Predict(ctx context.Context, input *Tensor) ([]float32, error) {
	if !input.SameShape(c.Metadata.InputShape) {
		var got []int64
		if input != nil {
			got = input.Shape
		}
		return nil, fmt.Errorf("%w: input shape %v, model expects %v", ErrValidation, got, c.Metadata.InputShape)
	}

	var s *onnxSession
	select {
	case s = <-c.sessions:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { c.sessions <- s }()

	copy(s.inputTensor.GetData(), input.Data)
	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	out := s.outputTensor.GetData()
	probs := make([]float32, len(out))
	copy(probs, out)
	return probs, nil
}

// Close destroys every session. It must not race with Predict.
func (c *ONNXClassifier) Close() error {
	c.once.Do(c.destroyAll)
	return nil
}

func (c *ONNXClassifier) destroyAll() {
	for _, s := range c.all {
		s.destroy()
	}
	c.all = nil
}
