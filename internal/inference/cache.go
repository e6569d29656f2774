package inference

import (
	"context"
	"time"
)

// ResultCache stores encoded results. Get reports a miss with ok == false
// and a nil error.
type ResultCache interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}
