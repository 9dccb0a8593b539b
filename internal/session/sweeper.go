package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/khalloda/spare-parts-system/internal/metrics"
)

// SweepResult holds the result of a sweep run
type SweepResult struct {
	StartTime time.Time
	EndTime   time.Time
	Deleted   int64
	Err       error
}

// Sweeper periodically removes expired sessions from stores without native expiry.
// Expiry is always checked on load, so the sweep only reclaims space.
type Sweeper struct {
	store    ExpiredDeleter
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	wg         sync.WaitGroup
	stopChan   chan struct{}
	running    bool
	lastResult *SweepResult
}

// NewSweeper creates a sweeper for store running every interval
func NewSweeper(store ExpiredDeleter, interval time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic sweep
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("session sweeper is already running")
	}

	s.running = true
	s.stopChan = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.logger.Info("session sweeper started", slog.Duration("interval", s.interval))
	return nil
}

// Stop stops the sweep and waits for an in-flight run
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("session sweeper stopped")
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastResult returns the result of the last run, or nil
func (s *Sweeper) LastResult() *SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResult
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			s.RunNow(ctx)
			cancel()
		case <-s.stopChan:
			return
		}
	}
}

// RunNow performs a single sweep
func (s *Sweeper) RunNow(ctx context.Context) *SweepResult {
	result := &SweepResult{StartTime: time.Now()}
	result.Deleted, result.Err = s.store.DeleteExpired(ctx)
	result.EndTime = time.Now()

	if result.Err != nil {
		metrics.SessionStoreErrors.WithLabelValues("sweep").Inc()
		s.logger.Error("session sweep failed", slog.String("error", result.Err.Error()))
	} else {
		metrics.SessionsSwept.Add(float64(result.Deleted))
		s.logger.Debug("session sweep completed",
			slog.Int64("deleted", result.Deleted),
			slog.Duration("duration", result.EndTime.Sub(result.StartTime)),
		)
	}

	s.mu.Lock()
	s.lastResult = result
	s.mu.Unlock()
	return result
}
