package dataset

import (
	"context"
	"io"
	"sync"
)

type fetched struct {
	batch *RecordBatch
	err   error
}

// prefetchSource reads at most one batch ahead of its consumer.
type prefetchSource struct {
	src    Source
	ch     chan fetched
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Prefetch overlaps reading batch N+1 with the processing of batch N. The
// hand-off channel is unbuffered, so besides the batch the consumer holds at
// most one more batch is in memory. Order is preserved. Close stops the
// reader goroutine and closes src.
func Prefetch(ctx context.Context, src Source) Source {
	ctx, cancel := context.WithCancel(ctx)
	p := &prefetchSource{
		src:    src,
		ch:     make(chan fetched),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx)
	return p
}

func (p *prefetchSource) run(ctx context.Context) {
	defer close(p.done)
	defer close(p.ch)
	for {
		b, err := p.src.Next(ctx)
		select {
		case p.ch <- fetched{batch: b, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// Next returns the batch read ahead by the background goroutine.
func (p *prefetchSource) Next(ctx context.Context) (*RecordBatch, error) {
	select {
	case f, ok := <-p.ch:
		if !ok {
			return nil, io.EOF
		}
		return f.batch, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels the reader, waits for it to exit and closes the underlying source.
func (p *prefetchSource) Close() error {
	p.once.Do(func() {
		p.cancel()
		<-p.done
		p.err = p.src.Close()
	})
	return p.err
}
