package fetch

import (
	"context"
	"sync"

	"github.com/specialistvlad/keg/internal/ctxlog"
	"github.com/specialistvlad/keg/internal/resolve"
	"golang.org/x/sync/errgroup"
)

// Batch is a set of acquisitions running in the background.
type Batch struct {
	slots  []slot
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type slot struct {
	done chan struct{}
	art  *Artifact
	err  error
}

// Prefetch starts acquiring every step and returns immediately. At most
// Concurrency acquisitions run at once and they are started in step order, so
// a concurrency of one fetches strictly sequentially. A failure does not stop
// the other acquisitions; callers observe it through Wait.
func (a *Acquirer) Prefetch(ctx context.Context, steps []resolve.Step) *Batch {
	ctx, cancel := context.WithCancel(ctx)
	b := &Batch{slots: make([]slot, len(steps)), cancel: cancel}
	for i := range b.slots {
		b.slots[i].done = make(chan struct{})
	}

	logger := ctxlog.FromContext(ctx)
	logger.Debug("Prefetch started.", "steps", len(steps), "concurrency", a.cfg.Concurrency)

	var g errgroup.Group
	g.SetLimit(a.cfg.Concurrency)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for i, step := range steps {
			s := &b.slots[i]
			g.Go(func() error {
				defer close(s.done)
				if err := ctx.Err(); err != nil {
					s.err = err
					return nil
				}
				s.art, s.err = a.Acquire(ctx, step)
				return nil
			})
		}
		_ = g.Wait()
		logger.Debug("Prefetch finished.")
	}()
	return b
}

// Len is the number of acquisitions in the batch.
func (b *Batch) Len() int { return len(b.slots) }

// Wait blocks until acquisition i has finished and returns its result.
func (b *Batch) Wait(ctx context.Context, i int) (*Artifact, error) {
	s := &b.slots[i]
	select {
	case <-s.done:
		return s.art, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close cancels outstanding acquisitions, waits for them to stop and
// releases the temporary files of every artifact in the batch.
func (b *Batch) Close() {
	b.cancel()
	b.wg.Wait()
	for i := range b.slots {
		_ = b.slots[i].art.Release()
	}
}
