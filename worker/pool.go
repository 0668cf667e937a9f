package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyorhq/conveyor/job"
	"github.com/conveyorhq/conveyor/queue"
)

// Pool runs the dispatch loop: a single scheduler goroutine promotes due
// delayed jobs, then claims eligible jobs for every registered type that
// the Gate admits, handing each claimed job to its own goroutine. The
// claim itself is atomic at the store, so concurrency here can never
// double-dispatch a record.
type Pool struct {
	store        job.Store
	registry     *job.Registry
	executor     *Executor
	gate         *queue.Gate
	pollInterval time.Duration
	logger       *slog.Logger

	stopCh  chan struct{}
	loopWG  sync.WaitGroup // scheduler goroutine
	jobWG   sync.WaitGroup // in-flight handlers
	mu      sync.Mutex
	running bool

	activeMu   sync.Mutex
	activeJobs map[string]context.CancelFunc

	errMu     sync.Mutex
	lastErr   error
	lastErrAt time.Time
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPollInterval sets how long the loop sleeps when nothing was
// eligible. It also bounds delayed-job promotion latency.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// NewPool creates a dispatch pool.
func NewPool(
	store job.Store,
	registry *job.Registry,
	executor *Executor,
	gate *queue.Gate,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:        store,
		registry:     registry,
		executor:     executor,
		gate:         gate,
		pollInterval: time.Second,
		logger:       logger,
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the scheduler goroutine. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}
	p.running = true

	p.logger.Info("dispatch loop starting",
		slog.Duration("poll_interval", p.pollInterval),
	)

	p.loopWG.Add(1)
	go p.run()
}

// Stop halts claiming and waits for in-flight handlers until the context
// deadline. On timeout the remaining handler contexts are cancelled and
// Stop returns without waiting further; handlers are expected to be
// short or idempotent.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("dispatch loop stopping")

	close(p.stopCh)
	p.loopWG.Wait()

	done := make(chan struct{})
	go func() {
		p.jobWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("dispatch loop drained")
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown timed out with handlers still in flight, cancelling them")
		p.cancelActiveJobs()
		return ctx.Err()
	}
}

// LastError returns the most recent claim/promote failure and when it
// happened. Used by the transport health probe.
func (p *Pool) LastError() (error, time.Time) {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr, p.lastErrAt
}

func (p *Pool) recordError(err error) {
	p.errMu.Lock()
	p.lastErr = err
	p.lastErrAt = time.Now().UTC()
	p.errMu.Unlock()
}

// run is the scheduler loop.
func (p *Pool) run() {
	defer p.loopWG.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		if p.tick() == 0 {
			p.sleep()
		}
	}
}

// tick performs one scheduling pass and returns how many jobs it
// dispatched.
func (p *Pool) tick() int {
	ctx := context.Background()

	if _, err := p.store.PromoteDue(ctx, time.Now().UTC()); err != nil {
		p.logger.Error("promote due jobs error", slog.String("error", err.Error()))
		p.recordError(err)
		return 0
	}

	dispatched := 0
	for _, typ := range p.registry.Types() {
		for p.gate.Acquire(typ) {
			jobs, err := p.store.Claim(ctx, typ, 1)
			if err != nil {
				p.gate.Release(typ)
				p.logger.Error("claim error",
					slog.String("job_type", typ),
					slog.String("error", err.Error()),
				)
				p.recordError(err)
				break
			}
			if len(jobs) == 0 {
				p.gate.Release(typ)
				break
			}

			dispatched++
			p.dispatch(typ, jobs[0])
		}
	}
	return dispatched
}

// dispatch runs one claimed job in its own goroutine.
func (p *Pool) dispatch(typ string, j *job.Job) {
	jobCtx, cancel := context.WithCancel(context.Background())
	p.trackJob(j.ID.String(), cancel)
	p.jobWG.Add(1)

	go func() {
		defer p.jobWG.Done()
		defer p.gate.Release(typ)
		defer cancel()
		defer p.untrackJob(j.ID.String())

		if err := p.executor.Execute(jobCtx, j); err != nil {
			p.logger.Debug("job execution bookkeeping error",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", typ),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveJobs() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel()
	}
}
