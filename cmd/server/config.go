package main

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Host     string `env:"HOST,default=0.0.0.0"`
	Port     int    `env:"PORT,default=8080" validate:"min=1,max=65535"`
	LogLevel string `env:"LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`

	ModelPath    string `env:"MODEL_PATH,default=models/medicinal_plant_model.onnx" validate:"required"`
	MetadataPath string `env:"METADATA_PATH,default=models/model_metadata.json"`
	ModelURL     string `env:"MODEL_URL" validate:"omitempty,url"`
	ModelSHA256  string `env:"MODEL_SHA256" validate:"omitempty,len=64,hexadecimal"`
	OnnxLibPath  string `env:"ONNXRUNTIME_LIB"`

	SessionPoolSize int           `env:"SESSION_POOL_SIZE,default=2" validate:"min=1,max=64"`
	FetchTimeout    time.Duration `env:"FETCH_TIMEOUT,default=10m" validate:"gt=0"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT,default=30s" validate:"gte=0"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=15s" validate:"gt=0"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES,default=10485760" validate:"min=1"`
	TopK            int           `env:"TOP_K,default=5" validate:"min=1"`

	RedisAddr      string        `env:"REDIS_ADDR"`
	ResultCacheTTL time.Duration `env:"RESULT_CACHE_TTL,default=1h" validate:"gte=0"`
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadConfig reads the configuration from the environment and validates it.
func LoadConfig() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
