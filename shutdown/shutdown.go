package shutdown

import (
	"cmp"
	"context"
	"os"
	"os/signal"
	"slices"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/kvbeat/errors"
	"github.com/vinayprograms/kvbeat/logging"
)

// Func releases one component. ctx ends at the shutdown deadline.
type Func func(ctx context.Context) error

// Config configures a Coordinator.
type Config struct {
	// Timeout bounds ShutdownWithTimeout(0). Default: 10 seconds.
	Timeout time.Duration

	// ContinueOnError keeps running later phases after a handler fails.
	ContinueOnError bool

	// Logger receives one line per handler.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         10 * time.Second,
		ContinueOnError: true,
	}
}

// Result is the outcome of one handler.
type Result struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

type registration struct {
	name  string
	phase int
	fn    Func
}

// Coordinator runs registered handlers once, phase by phase.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	results  []Result

	once sync.Once
	done chan struct{}
	err  error
}

// New creates a coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, fn Func) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, phase: phase, fn: fn})
}

// NotifyContext returns a context cancelled on SIGINT or SIGTERM.
func (c *Coordinator) NotifyContext(parent context.Context) context.Context {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()
	return ctx
}

// Shutdown runs every handler. Only the first call does work; later calls
// wait for it and return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.err = c.run(ctx)
		close(c.done)
	})
	<-c.done
	return c.err
}

// ShutdownWithTimeout calls Shutdown with a deadline. Zero uses
// Config.Timeout.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.cfg.Timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// Done is closed once Shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// Results returns per-handler outcomes in execution order.
func (c *Coordinator) Results() []Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.results)
}

func (c *Coordinator) run(ctx context.Context) error {
	c.mu.Lock()
	handlers := slices.Clone(c.handlers)
	c.mu.Unlock()

	slices.SortStableFunc(handlers, func(a, b registration) int { return cmp.Compare(a.phase, b.phase) })

	var failed []error
	for start := 0; start < len(handlers); {
		end := start
		for end < len(handlers) && handlers[end].phase == handlers[start].phase {
			end++
		}
		phase := handlers[start:end]
		start = end

		if ctx.Err() != nil {
			return errors.Timeout("shutdown deadline exceeded",
				errors.WithMetadata("next", phase[0].name))
		}

		results := c.runPhase(ctx, phase)
		c.mu.Lock()
		c.results = append(c.results, results...)
		c.mu.Unlock()

		for _, r := range results {
			if r.Err != nil {
				failed = append(failed, errors.Wrap(r.Err, r.Name))
			}
		}
		if len(failed) > 0 && !c.cfg.ContinueOnError {
			break
		}
	}
	return errors.Join(failed...)
}

func (c *Coordinator) runPhase(ctx context.Context, phase []registration) []Result {
	results := make([]Result, len(phase))

	var g errgroup.Group
	for i, r := range phase {
		g.Go(func() error {
			start := time.Now()
			err := r.fn(ctx)
			results[i] = Result{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}

			fields := map[string]any{"handler": r.name, "phase": r.phase, "took": results[i].Duration.String()}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("handler_failed", fields)
			} else {
				c.logger.Debug("handler_done", fields)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}
