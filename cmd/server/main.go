package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Brownie44l1/leaf-api/internal/artifact"
	"github.com/Brownie44l1/leaf-api/internal/cache"
	"github.com/Brownie44l1/leaf-api/internal/handlers"
	"github.com/Brownie44l1/leaf-api/internal/inference"
	"github.com/Brownie44l1/leaf-api/internal/knowledge"
	"github.com/Brownie44l1/leaf-api/internal/logging"
	"github.com/Brownie44l1/leaf-api/internal/model"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// app holds the components shared by the server and the predict command.
type app struct {
	cfg    Config
	logger *zap.Logger
	schema model.Schema
	kb     *knowledge.Base
	loader *model.Loader
}

func run(args []string) error {
	_ = godotenv.Load()

	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if len(args) > 0 && args[0] == "predict" {
		if len(args) < 2 {
			return errors.New("usage: server predict <image-path>")
		}
		return a.predictOnce(args[1])
	}
	return a.serve()
}

func newApp(cfg Config, logger *zap.Logger) (*app, error) {
	root := projectRoot()
	cfg.ModelPath = resolve(root, cfg.ModelPath)
	if cfg.MetadataPath != "" {
		cfg.MetadataPath = resolve(root, cfg.MetadataPath)
		if _, err := os.Stat(cfg.MetadataPath); errors.Is(err, os.ErrNotExist) {
			logger.Warn("metadata file not found, assuming reference metadata", zap.String("path", cfg.MetadataPath))
			cfg.MetadataPath = ""
		}
	}

	if err := model.InitRuntime(cfg.OnnxLibPath); err != nil {
		return nil, err
	}

	schema := model.DefaultSchema()
	kb, err := knowledge.Default(schema)
	if err != nil {
		_ = model.ShutdownRuntime()
		return nil, err
	}

	loaderCfg := model.LoaderConfig{
		ModelPath:    cfg.ModelPath,
		MetadataPath: cfg.MetadataPath,
		SHA256:       cfg.ModelSHA256,
	}
	if cfg.ModelURL != "" {
		loaderCfg.Source = artifact.NewHTTPSource(cfg.ModelURL, &http.Client{Timeout: cfg.FetchTimeout})
	}
	loader := model.NewLoader(loaderCfg, schema, model.ONNXOpener(cfg.SessionPoolSize), logger)

	return &app{cfg: cfg, logger: logger, schema: schema, kb: kb, loader: loader}, nil
}

// warmUp loads the classifier before any request is accepted. Failing to
// acquire or open the artifact is fatal.
func (a *app) warmUp() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.FetchTimeout)
	defer cancel()

	a.logger.Info("loading model", zap.String("path", a.cfg.ModelPath))
	if _, err := a.loader.Classifier(ctx); err != nil {
		return fmt.Errorf("failed to initialize model: %w", err)
	}
	return nil
}

func (a *app) close() {
	if err := a.loader.Close(); err != nil {
		a.logger.Warn("failed to close classifier", zap.Error(err))
	}
	if err := model.ShutdownRuntime(); err != nil {
		a.logger.Warn("failed to destroy ONNX environment", zap.Error(err))
	}
}

func (a *app) serve() error {
	if err := a.warmUp(); err != nil {
		return err
	}

	opts := []inference.Option{inference.WithTopK(a.cfg.TopK)}
	if a.cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := cache.Dial(ctx, a.cfg.RedisAddr)
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer client.Close()
		opts = append(opts, inference.WithCache(cache.NewRedis(client), a.cfg.ResultCacheTTL))
		a.logger.Info("result cache enabled", zap.String("redis_addr", a.cfg.RedisAddr))
	}
	svc := inference.NewService(a.loader, a.schema, a.kb, a.logger, opts...)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.NewHandler(svc, a.schema, a.kb, a.loader, a.logger, handlers.Options{
		MaxUploadSize:  a.cfg.MaxUploadBytes,
		RequestTimeout: a.cfg.RequestTimeout,
	}).RegisterRoutes(router)

	server := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.logger.Info("server starting",
		zap.String("addr", server.Addr),
		zap.Int("classes", a.schema.Len()),
		zap.String("model_sha256", a.loader.Fingerprint()))
	return serveHTTPServer(server, a.cfg.ShutdownTimeout, a.logger)
}

func (a *app) predictOnce(path string) error {
	if err := a.warmUp(); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read image: %w", err)
	}

	svc := inference.NewService(a.loader, a.schema, a.kb, a.logger, inference.WithTopK(a.cfg.TopK))
	start := time.Now()
	result, err := svc.Classify(context.Background(), data)
	if err != nil {
		return err
	}

	fmt.Printf("Identified plant: %s (%.4f) in %s\n", result.Label, result.Confidence, time.Since(start))
	fmt.Printf("Medicinal properties: %s\n", result.Fact.MedicinalProperties)
	fmt.Printf("Common uses: %s\n", result.Fact.UsedFor)
	fmt.Printf("How to use: %s\n", result.Fact.HowToUse)
	fmt.Println("Top predictions:")
	for _, s := range result.TopK {
		fmt.Printf("- %s: %.4f\n", s.Label, s.Probability)
	}
	return nil
}

// projectRoot returns the working directory, or the repository root when
// started from cmd/server.
func projectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	if filepath.Base(wd) == "server" && filepath.Base(filepath.Dir(wd)) == "cmd" {
		return filepath.Join(wd, "../..")
	}
	return wd
}

func resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	sigCh := signalCh
	if sigCh == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		sigCh = ch
	}

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
