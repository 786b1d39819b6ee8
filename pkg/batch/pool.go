package batch

import (
	"context"
	"sync"
	"time"

	"github.com/Sternrassler/scm-target-importer/pkg/logging"
)

// Config holds worker pool configuration.
type Config struct {
	// MaxConcurrency is the maximum number of items processed at once.
	MaxConcurrency int
	// Timeout per item. Zero means no per-item timeout.
	Timeout time.Duration
}

// DefaultConfig returns the default pool configuration: one item at a time.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 1,
	}
}

// Func processes a single item.
type Func[T, R any] func(ctx context.Context, item T) (R, error)

// Result is the outcome of one item.
type Result[R any] struct {
	Index int
	Value R
	Err   error
}

// Split divides items into consecutive chunks of at most size elements.
// A size below 1 yields a single chunk.
func Split[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	if size < 1 {
		size = len(items)
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Run calls fn for every item on a pool of cfg.MaxConcurrency workers.
// Items are handed to workers in input order. The returned slice has one
// Result per item at the item's index.
func Run[T, R any](ctx context.Context, cfg Config, items []T, fn Func[T, R]) []Result[R] {
	logger := logging.NewLogger(logging.ComponentOrchestrator)

	results := make([]Result[R], len(items))
	for i := range results {
		results[i].Index = i
	}
	if len(items) == 0 {
		return results
	}

	workers := cfg.MaxConcurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	queue := make(chan int)

	var wg sync.WaitGroup
	for id := 0; id < workers; id++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			processed := 0

			for idx := range queue {
				if err := ctx.Err(); err != nil {
					results[idx].Err = err
					continue
				}

				itemCtx, cancel := ctx, context.CancelFunc(func() {})
				if cfg.Timeout > 0 {
					itemCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
				}
				value, err := fn(itemCtx, items[idx])
				cancel()

				results[idx].Value = value
				results[idx].Err = err
				processed++
			}

			logger.Debug().
				Int("worker_id", workerID).
				Int("items_processed", processed).
				Msg("Worker completed")
		}(id)
	}

	dispatched := 0
dispatch:
	for idx := range items {
		select {
		case queue <- idx:
			dispatched++
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()

	for idx := dispatched; idx < len(items); idx++ {
		results[idx].Err = ctx.Err()
	}

	return results
}
