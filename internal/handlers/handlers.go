package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/inference"
	"github.com/Brownie44l1/leaf-api/internal/knowledge"
	"github.com/Brownie44l1/leaf-api/internal/logging"
	"github.com/Brownie44l1/leaf-api/internal/model"
	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

// DefaultMaxUploadSize bounds image uploads (10MB).
const DefaultMaxUploadSize = 10 << 20

// MaxTensorBodySize bounds the JSON body of /predict. A 224x224x3 array of
// floats printed at full precision stays well under it.
const MaxTensorBodySize = 8 << 20

const requestIDHeader = "X-Request-ID"

// Readiness reports whether the classifier is loaded.
type Readiness interface {
	Ready() bool
	Fingerprint() string
}

type Handler struct {
	svc            *inference.Service
	schema         model.Schema
	kb             *knowledge.Base
	readiness      Readiness
	logger         *zap.Logger
	maxUploadSize  int64
	requestTimeout time.Duration
}

type Options struct {
	MaxUploadSize  int64
	RequestTimeout time.Duration
}

func NewHandler(svc *inference.Service, schema model.Schema, kb *knowledge.Base, readiness Readiness, logger *zap.Logger, opts Options) *Handler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	return &Handler{
		svc:            svc,
		schema:         schema,
		kb:             kb,
		readiness:      readiness,
		logger:         logger.Named("http"),
		maxUploadSize:  opts.MaxUploadSize,
		requestTimeout: opts.RequestTimeout,
	}
}

// PredictionResponse is the body of a successful prediction.
type PredictionResponse struct {
	RequestID   string             `json:"request_id"`
	Class       string             `json:"class"`
	Confidence  float32            `json:"confidence"`
	Known       bool               `json:"known"`
	Fact        knowledge.Fact     `json:"fact"`
	TopK        []inference.Score  `json:"top_k"`
	Predictions map[string]float32 `json:"predictions"`
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestID())
	router.MaxMultipartMemory = h.maxUploadSize

	router.GET("/health", h.Health)
	router.GET("/labels", h.Labels)
	router.GET("/plants/:label", h.Plant)
	router.POST("/predict", h.Predict)
	router.POST("/predict/image", h.PredictFromImage)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), id))
		c.Next()
	}
}

func (h *Handler) Health(c *gin.Context) {
	if !h.readiness.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "loading"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "healthy",
		"model_sha256": h.readiness.Fingerprint(),
		"classes":      h.schema.Len(),
	})
}

func (h *Handler) Labels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"labels": h.schema.Labels(), "count": h.schema.Len()})
}

func (h *Handler) Plant(c *gin.Context) {
	label := c.Param("label")
	if !h.schema.Contains(label) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown plant label"})
		return
	}
	_, known := h.kb.Get(label)
	c.JSON(http.StatusOK, gin.H{"label": label, "known": known, "fact": h.kb.Lookup(label)})
}

// Predict classifies a raw NHWC tensor sent as {"image": [...]}.
func (h *Handler) Predict(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxTensorBodySize)

	var req model.PredictionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "tensor body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}

	tensor, err := model.NewTensor(model.InputShape(), req.Image)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.withTimeout(c.Request.Context())
	defer cancel()
	result, err := h.svc.ClassifyTensor(ctx, tensor)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, result)
}

// PredictFromImage classifies the multipart file in the "image" field.
func (h *Handler) PredictFromImage(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadSize+1<<20)

	file, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image file provided, use 'image' as the form field name"})
		return
	}
	if file.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return
	}
	if !preprocess.Supported(mimetype.Detect(data)) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image format, use JPEG, PNG or GIF"})
		return
	}

	logging.WithOperation(h.logger, "http.predict_image", logging.RequestID(c.Request.Context())).
		Info("received image", zap.String("filename", file.Filename), zap.Int64("size", file.Size))

	ctx, cancel := h.withTimeout(c.Request.Context())
	defer cancel()
	result, err := h.svc.Classify(ctx, data)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.respond(c, result)
}

func (h *Handler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if h.requestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, h.requestTimeout)
}

func (h *Handler) respond(c *gin.Context, result *inference.Result) {
	labels := h.schema.Labels()
	predictions := make(map[string]float32, len(result.Distribution))
	for i, p := range result.Distribution {
		predictions[labels[i]] = p
	}
	c.JSON(http.StatusOK, PredictionResponse{
		RequestID:   logging.RequestID(c.Request.Context()),
		Class:       result.Label,
		Confidence:  result.Confidence,
		Known:       result.Known,
		Fact:        result.Fact,
		TopK:        result.TopK,
		Predictions: predictions,
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusBadRequest {
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	logging.WithOperation(h.logger, "http.predict", logging.RequestID(c.Request.Context())).
		Error("prediction failed", zap.Error(err))
	c.JSON(status, gin.H{"error": "prediction failed"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, model.ErrAcquisition):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
