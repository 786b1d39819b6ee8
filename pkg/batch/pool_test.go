package batch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSplit(t *testing.T) {
	tests := []struct {
		name  string
		items []int
		size  int
		want  [][]int
	}{
		{"empty", nil, 10, nil},
		{"exact multiple", []int{1, 2, 3, 4}, 2, [][]int{{1, 2}, {3, 4}}},
		{"remainder", []int{1, 2, 3, 4, 5}, 2, [][]int{{1, 2}, {3, 4}, {5}}},
		{"size larger than input", []int{1, 2, 3}, 10, [][]int{{1, 2, 3}}},
		{"size zero means one chunk", []int{1, 2, 3}, 0, [][]int{{1, 2, 3}}},
		{"size one", []int{1, 2}, 1, [][]int{{1}, {2}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Split(tt.items, tt.size); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Split() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSplit_TwentyFiveByTen(t *testing.T) {
	items := make([]int, 25)
	chunks := Split(items, 10)

	sizes := make([]int, len(chunks))
	for i, c := range chunks {
		sizes[i] = len(c)
	}
	if !reflect.DeepEqual(sizes, []int{10, 10, 5}) {
		t.Errorf("chunk sizes = %v, want [10 10 5]", sizes)
	}
}

func TestRun_ResultsInInputOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}

	results := Run(context.Background(), Config{MaxConcurrency: 3}, items, func(ctx context.Context, n int) (string, error) {
		time.Sleep(time.Duration(n) * time.Millisecond)
		return fmt.Sprintf("item-%d", n), nil
	})

	if len(results) != len(items) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(items))
	}
	for i, r := range results {
		if r.Index != i {
			t.Errorf("results[%d].Index = %d", i, r.Index)
		}
		if want := fmt.Sprintf("item-%d", items[i]); r.Value != want {
			t.Errorf("results[%d].Value = %q, want %q", i, r.Value, want)
		}
		if r.Err != nil {
			t.Errorf("results[%d].Err = %v", i, r.Err)
		}
	}
}

func TestRun_SequentialDispatchOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []int
	)
	items := []int{0, 1, 2, 3, 4, 5}

	Run(context.Background(), DefaultConfig(), items, func(ctx context.Context, n int) (struct{}, error) {
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return struct{}{}, nil
	})

	if !reflect.DeepEqual(order, items) {
		t.Errorf("dispatch order = %v, want %v", order, items)
	}
}

func TestRun_ConcurrencyBound(t *testing.T) {
	var inFlight, peak atomic.Int64
	items := make([]int, 20)

	Run(context.Background(), Config{MaxConcurrency: 3}, items, func(ctx context.Context, _ int) (int, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return 0, nil
	})

	if got := peak.Load(); got > 3 {
		t.Errorf("peak concurrency = %d, want <= 3", got)
	}
}

func TestRun_ItemErrorsDoNotStopPool(t *testing.T) {
	boom := errors.New("boom")
	items := []int{1, 2, 3}

	results := Run(context.Background(), DefaultConfig(), items, func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		return n * 10, nil
	})

	if results[0].Value != 10 || results[2].Value != 30 {
		t.Errorf("values = %d, %d", results[0].Value, results[2].Value)
	}
	if !errors.Is(results[1].Err, boom) {
		t.Errorf("results[1].Err = %v, want boom", results[1].Err)
	}
}

func TestRun_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int64
	results := Run(ctx, Config{MaxConcurrency: 2}, []int{1, 2, 3}, func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	})

	if calls.Load() != 0 {
		t.Errorf("fn called %d times, want 0", calls.Load())
	}
	for i, r := range results {
		if !errors.Is(r.Err, context.Canceled) {
			t.Errorf("results[%d].Err = %v, want context.Canceled", i, r.Err)
		}
	}
}

func TestRun_ItemTimeout(t *testing.T) {
	results := Run(context.Background(), Config{MaxConcurrency: 1, Timeout: 10 * time.Millisecond}, []int{1}, func(ctx context.Context, n int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})

	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("Err = %v, want context.DeadlineExceeded", results[0].Err)
	}
}

func TestRun_Empty(t *testing.T) {
	results := Run(context.Background(), DefaultConfig(), []int(nil), func(ctx context.Context, n int) (int, error) {
		t.Fatal("fn should not be called")
		return 0, nil
	})
	if len(results) != 0 {
		t.Errorf("len(results) = %d, want 0", len(results))
	}
}
