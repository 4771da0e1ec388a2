package workerpool

import (
	"context"
	"sync"
)

// Outcome is the settled result of one item passed to Run
type Outcome[R any] struct {
	Value R
	Err   error
}

// Run applies fn to every item on at most workers goroutines and waits for
// all of them to settle. Results keep the order of items. A failing item
// never cancels the others; items not yet started when ctx is done settle
// with ctx's error.
func Run[T, R any](ctx context.Context, workers int, items []T, fn func(context.Context, T) (R, error)) []Outcome[R] {
	out := make([]Outcome[R], len(items))
	if len(items) == 0 {
		return out
	}
	if workers <= 0 || workers > len(items) {
		workers = len(items)
	}

	next := make(chan int)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range next {
				if err := ctx.Err(); err != nil {
					out[i].Err = err
					continue
				}
				out[i].Value, out[i].Err = fn(ctx, items[i])
			}
		}()
	}
	for i := range items {
		next <- i
	}
	close(next)
	wg.Wait()
	return out
}
