package install

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/specialistvlad/keg/internal/resolve"
)

// Confirmer approves a resolved plan before anything is fetched.
type Confirmer interface {
	Confirm(ctx context.Context, plan *resolve.Plan) (bool, error)
}

// ConfirmFunc adapts a function to Confirmer.
type ConfirmFunc func(ctx context.Context, plan *resolve.Plan) (bool, error)

func (f ConfirmFunc) Confirm(ctx context.Context, plan *resolve.Plan) (bool, error) {
	return f(ctx, plan)
}

// PromptConfirmer asks on Out and reads a y/N answer from In. Anything but
// an explicit yes declines, including end of input.
//
// At most one read of In is outstanding. When ctx ends first, the read is
// interrupted if In supports read deadlines (an *os.File on a terminal or
// pipe does); otherwise it stays pending and its line answers the next
// prompt.
type PromptConfirmer struct {
	In  io.Reader
	Out io.Writer

	mu      sync.Mutex
	reader  *bufio.Reader
	pending chan readResult
}

type readResult struct {
	line string
	err  error
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

func (p *PromptConfirmer) Confirm(ctx context.Context, plan *resolve.Plan) (bool, error) {
	noun := "formulae"
	if plan.Len() == 1 {
		noun = "formula"
	}
	if _, err := fmt.Fprintf(p.Out, "Install %d %s (%s)? [y/N] ", plan.Len(), noun, strings.Join(plan.Names(), " ")); err != nil {
		return false, err
	}

	for {
		select {
		case <-ctx.Done():
			if d, ok := p.In.(readDeadliner); ok {
				_ = d.SetReadDeadline(time.Now())
			}
			return false, ctx.Err()
		case res := <-p.read():
			p.mu.Lock()
			p.pending = nil
			p.mu.Unlock()
			if errors.Is(res.err, os.ErrDeadlineExceeded) {
				// Left over from an interrupted prompt.
				if d, ok := p.In.(readDeadliner); ok {
					_ = d.SetReadDeadline(time.Time{})
				}
				continue
			}
			switch strings.ToLower(strings.TrimSpace(res.line)) {
			case "y", "yes":
				return true, nil
			default:
				return false, nil
			}
		}
	}
}

// read returns the channel of the outstanding read, starting one if needed.
func (p *PromptConfirmer) read() <-chan readResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending != nil {
		return p.pending
	}
	if p.reader == nil {
		p.reader = bufio.NewReader(p.In)
	}
	ch := make(chan readResult, 1)
	p.pending = ch
	r := p.reader
	go func() {
		line, err := r.ReadString('\n')
		ch <- readResult{line: line, err: err}
	}()
	return ch
}
