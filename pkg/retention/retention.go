package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/courier/pkg/observability"
)

// Pruner deletes terminal deliveries older than maxAge and reports how many
// were removed
type Pruner interface {
	PruneDeliveries(ctx context.Context, maxAge time.Duration) (int, error)
}

// Config configures the retention job
type Config struct {
	// Schedule is a standard five-field cron expression or a descriptor
	// such as "@hourly"
	Schedule string
	MaxAge   time.Duration

	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

// DefaultConfig returns the default retention configuration
func DefaultConfig() Config {
	return Config{
		Schedule: "@hourly",
		MaxAge:   7 * 24 * time.Hour,
		Timeout:  5 * time.Minute,
	}
}

// Scheduler prunes old delivery history on a cron schedule
type Scheduler struct {
	cfg    Config
	pruner Pruner
	logger *observability.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
}

// NewScheduler validates the schedule and creates a scheduler
func NewScheduler(cfg Config, pruner Pruner, logger *observability.Logger) (*Scheduler, error) {
	if pruner == nil {
		return nil, errors.New("pruner is required")
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("max age must be positive")
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	s := &Scheduler{
		cfg:    cfg,
		pruner: pruner,
		logger: logger.WithField("component", "retention"),
		cron:   cron.New(),
	}
	if _, err := s.cron.AddFunc(cfg.Schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid retention schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins running the job on its schedule
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.WithFields(map[string]interface{}{
		"schedule": s.cfg.Schedule,
		"max_age":  s.cfg.MaxAge.String(),
	}).Info("Retention scheduler started")
}

// Stop stops scheduling and waits for a running job to finish or ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	started := time.Now()
	removed, err := s.pruner.PruneDeliveries(ctx, s.cfg.MaxAge)

	s.mu.Lock()
	s.lastRun = started
	s.lastErr = err
	s.mu.Unlock()

	log := s.logger.WithFields(map[string]interface{}{
		"removed":  removed,
		"duration": time.Since(started).String(),
	})
	if err != nil {
		log.WithError(err).Error("Retention run failed")
		return removed, err
	}
	if removed > 0 {
		log.Info("Pruned delivery history")
	} else {
		log.Debug("Nothing to prune")
	}
	return removed, nil
}

// LastRun returns when the job last ran and its error, if any
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) run() {
	_, _ = s.RunOnce(context.Background())
}
