package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/raine/fractal-trader-bot/internal/ingest"
	"github.com/raine/fractal-trader-bot/internal/llm"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds a single analysis including the image load.
const DefaultTimeout = 90 * time.Second

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("runner closed")

// LoadFunc produces the image to analyze, e.g. by downloading it. It runs
// after the session has entered StateAnalyzing.
type LoadFunc func(ctx context.Context) (ingest.Image, error)

// LoadImage returns a LoadFunc for an image that is already in memory.
func LoadImage(img ingest.Image) LoadFunc {
	return func(context.Context) (ingest.Image, error) {
		return img, nil
	}
}

// Options configures a Runner.
type Options struct {
	// Timeout of one analysis; zero selects DefaultTimeout.
	Timeout time.Duration
	// History receives every successful analysis. Optional.
	History *History
	// OnSettle is called outside the lock when an attempt reaches
	// StateSuccess or StateError. It is not called for stale attempts.
	OnSettle func(Snapshot)
}

// Runner owns the state of one analysis session and runs at most one
// analysis at a time. A new upload while analyzing is rejected with ErrBusy.
type Runner struct {
	analyzer llm.Analyzer
	timeout  time.Duration
	history  *History
	onSettle func(Snapshot)

	mu     sync.Mutex
	snap   Snapshot
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRunner creates a runner in StateIdle.
func NewRunner(analyzer llm.Analyzer, opts Options) *Runner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		analyzer: analyzer,
		timeout:  timeout,
		history:  opts.History,
		onSettle: opts.OnSettle,
	}
}

// History returns the runner's history, which may be nil.
func (r *Runner) History() *History {
	return r.history
}

// Snapshot returns the current state.
func (r *Runner) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snap
}

// Submit moves the session to StateAnalyzing and starts load followed by the
// analysis in the background. Values of ctx (such as the user ID) are kept
// but its cancellation is not: the attempt ends on timeout, Reset or Close.
func (r *Runner) Submit(ctx context.Context, load LoadFunc) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return r.snap, ErrClosed
	}
	next, err := Transition(r.snap, Event{Kind: EventFileSelected})
	if err != nil {
		return r.snap, err
	}
	r.snap = next

	attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done

	log.Debug().Uint64("attempt", next.Attempt).Msg("analysis started")

	r.wg.Add(1)
	go r.run(attemptCtx, cancel, next.Attempt, load, done)
	return next, nil
}

type outcome struct {
	img    ingest.Image
	result *llm.AnalysisResult
	err    error
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, attempt uint64, load LoadFunc, done chan struct{}) {
	defer r.wg.Done()
	defer close(done)
	defer cancel()

	start := time.Now()
	out := r.execute(ctx, load)

	ev := Event{Kind: EventAnalysisSucceeded, Attempt: attempt, Result: out.result}
	if out.err != nil {
		ev = Event{Kind: EventAnalysisFailed, Attempt: attempt, Err: out.err}
	}

	r.mu.Lock()
	next, err := Transition(r.snap, ev)
	if err != nil {
		r.mu.Unlock()
		log.Debug().Err(err).Uint64("attempt", attempt).Msg("dropping analysis outcome")
		return
	}
	r.snap = next
	r.cancel = nil
	r.mu.Unlock()

	logger := log.Info()
	if next.State == StateError {
		logger = log.Warn().Err(out.err).Str("code", next.ErrorCode)
	}
	logger.
		Uint64("attempt", attempt).
		Str("state", next.State.String()).
		Dur("elapsed", time.Since(start)).
		Msg("analysis settled")

	if next.State == StateSuccess && r.history != nil {
		r.history.Add(out.img, next.Result)
	}
	if r.onSettle != nil {
		r.onSettle(next)
	}
}

// execute loads and analyzes the image. It returns as soon as ctx is done,
// even if the analyzer ignores cancellation.
func (r *Runner) execute(ctx context.Context, load LoadFunc) outcome {
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("analysis panicked: %v", p)}
			}
		}()

		img, err := load(ctx)
		if err != nil {
			if !errors.Is(err, ingest.ErrFileRead) && ctx.Err() == nil {
				err = fmt.Errorf("%w: %w", ingest.ErrFileRead, err)
			}
			ch <- outcome{err: err}
			return
		}
		result, err := r.analyzer.AnalyzeChart(ctx, img)
		ch <- outcome{img: img, result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil && ctx.Err() != nil && !errors.Is(out.err, ctx.Err()) {
			out.err = fmt.Errorf("%w: %w", ctx.Err(), out.err)
		}
		return out
	case <-ctx.Done():
		return outcome{err: fmt.Errorf("analysis aborted: %w", ctx.Err())}
	}
}

// Await blocks until the current attempt settles or ctx is done and returns
// the snapshot at that point.
func (r *Runner) Await(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	if r.snap.State != StateAnalyzing {
		snap := r.snap
		r.mu.Unlock()
		return snap, nil
	}
	done := r.done
	r.mu.Unlock()

	select {
	case <-done:
		return r.Snapshot(), nil
	case <-ctx.Done():
		return r.Snapshot(), ctx.Err()
	}
}

// Reset returns the session to StateIdle from any state, cancelling an
// in-flight analysis. Its outcome is discarded.
func (r *Runner) Reset() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.snap, _ = Transition(r.snap, Event{Kind: EventReset})
	return r.snap
}

// Dismiss clears an error notification. It fails outside StateError.
func (r *Runner) Dismiss() (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	next, err := Transition(r.snap, Event{Kind: EventDismiss})
	if err != nil {
		return r.snap, err
	}
	r.snap = next
	return next, nil
}

// Close cancels any in-flight analysis and waits for it to finish.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}
