package adaptive

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anstrom/portscope/internal/logging"
)

// Flusher periodically persists an engine's state while a scan runs, so a
// crash loses at most one interval of learning.
type Flusher struct {
	mu      sync.Mutex
	cron    *cron.Cron
	engine  *Engine
	logger  *logging.Logger
	running bool
	onError func(error)
}

// NewFlusher creates a flusher that flushes engine every interval.
// Intervals below one second are rounded up by the scheduler.
func NewFlusher(engine *Engine, interval time.Duration, logger *logging.Logger) (*Flusher, error) {
	if logger == nil {
		logger = logging.Default()
	}
	f := &Flusher{
		cron:   cron.New(),
		engine: engine,
		logger: logger.WithComponent("adaptive-flusher"),
	}
	if _, err := f.cron.AddFunc(fmt.Sprintf("@every %s", interval), f.flush); err != nil {
		return nil, fmt.Errorf("schedule adaptive flush: %w", err)
	}
	return f, nil
}

// OnError registers a callback for failed flushes, e.g. to count them.
func (f *Flusher) OnError(fn func(error)) {
	f.mu.Lock()
	f.onError = fn
	f.mu.Unlock()
}

func (f *Flusher) flush() {
	if err := f.engine.FlushIfDirty(); err != nil {
		f.logger.Warn("periodic adaptive flush failed", "error", err)
		f.mu.Lock()
		fn := f.onError
		f.mu.Unlock()
		if fn != nil {
			fn(err)
		}
	}
}

// Start begins periodic flushing.
func (f *Flusher) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return
	}
	f.cron.Start()
	f.running = true
}

// Stop halts the schedule and waits for an in-flight flush to finish.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	f.mu.Unlock()

	<-f.cron.Stop().Done()
}
