// Package dispatcher fans crawl steps out to a bounded pool of workers.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/adaptive-crawler/internal/crawler"
	"github.com/JakeFAU/adaptive-crawler/internal/metrics"
	"github.com/JakeFAU/adaptive-crawler/internal/orchestrator"
)

// Stepper runs one crawl step against a shared frontier.
type Stepper interface {
	Step(ctx context.Context) (orchestrator.StepResult, error)
	Pending(ctx context.Context) (int, error)
}

// Config sizes the worker pool and its polling.
type Config struct {
	Workers     int
	IdleWait    time.Duration
	BackoffWait time.Duration
	MaxSteps    int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	if c.BackoffWait <= 0 {
		c.BackoffWait = 100 * time.Millisecond
	}
	return c
}

// Summary counts step outcomes for one run.
type Summary struct {
	Steps    int
	Outcomes map[orchestrator.Outcome]int
}

var errDrained = errors.New("frontier drained")

// Dispatcher runs workers that loop Step until stopped.
type Dispatcher struct {
	stepper Stepper
	cfg     Config
	pauser  crawler.Pauser
	logger  *zap.Logger

	mu      sync.Mutex
	busy    int
	stopped bool
	summary Summary
}

// New creates a Dispatcher. A nil pauser sleeps on a timer.
func New(stepper Stepper, cfg Config, pauser crawler.Pauser, logger *zap.Logger) *Dispatcher {
	if pauser == nil {
		pauser = crawler.TimerPauser{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		stepper: stepper,
		cfg:     cfg.withDefaults(),
		pauser:  pauser,
		logger:  logger,
	}
}

// Run blocks until ctx ends or a step fails fatally.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	return d.run(ctx, false)
}

// RunUntilDrained returns once the frontier is empty and no step is in flight.
func (d *Dispatcher) RunUntilDrained(ctx context.Context) (Summary, error) {
	return d.run(ctx, true)
}

func (d *Dispatcher) run(ctx context.Context, drain bool) (Summary, error) {
	d.mu.Lock()
	d.busy = 0
	d.stopped = false
	d.summary = Summary{Outcomes: make(map[orchestrator.Outcome]int)}
	d.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i := range d.cfg.Workers {
		g.Go(func() error {
			metrics.IncActiveWorkers()
			defer metrics.DecActiveWorkers()
			return d.work(gctx, i, drain)
		})
	}
	err := g.Wait()

	d.mu.Lock()
	summary := Summary{Steps: d.summary.Steps, Outcomes: maps.Clone(d.summary.Outcomes)}
	d.mu.Unlock()

	if errors.Is(err, errDrained) {
		d.logger.Info("Frontier drained", zap.Int("steps", summary.Steps))
		return summary, nil
	}
	if err != nil {
		return summary, err
	}
	d.logger.Info("Dispatcher stopped", zap.Int("steps", summary.Steps))
	return summary, nil
}

func (d *Dispatcher) work(ctx context.Context, worker int, drain bool) error {
	log := d.logger.With(zap.Int("worker", worker))
	for {
		if !d.begin(ctx) {
			return nil
		}
		res, err := d.stepper.Step(ctx)
		idle := d.finish(res, err)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Error("Crawl step failed", zap.Error(err))
			return fmt.Errorf("worker %d: %w", worker, err)
		}

		switch res.Outcome {
		case orchestrator.StepIdle:
			if drain && idle {
				done, err := d.drained(ctx)
				if err != nil {
					return err
				}
				if done {
					return errDrained
				}
			}
			if err := d.pauser.Pause(ctx, d.cfg.IdleWait); err != nil {
				return nil
			}
		case orchestrator.StepBackoff:
			if err := d.pauser.Pause(ctx, d.cfg.BackoffWait); err != nil {
				return nil
			}
		}
	}
}

// begin claims a slot for one step. It fails once the run is stopping or
// MaxSteps fetches have been started.
func (d *Dispatcher) begin(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if d.cfg.MaxSteps > 0 && d.summary.Steps+d.busy >= d.cfg.MaxSteps {
		return false
	}
	d.busy++
	return true
}

// finish records a step and reports whether no other step is in flight.
func (d *Dispatcher) finish(res orchestrator.StepResult, err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy--
	if err == nil && res.Outcome != orchestrator.StepIdle {
		d.summary.Steps++
		d.summary.Outcomes[res.Outcome]++
	}
	return d.busy == 0
}

// drained checks for an empty frontier while holding the lock so no worker can
// start a step in between.
func (d *Dispatcher) drained(ctx context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy != 0 {
		return false, nil
	}
	n, err := d.stepper.Pending(ctx)
	if err != nil {
		return false, fmt.Errorf("frontier length: %w", err)
	}
	if n == 0 {
		d.stopped = true
		return true, nil
	}
	return false, nil
}
