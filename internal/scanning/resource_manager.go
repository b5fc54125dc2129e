package scanning

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrResourceManagerClosed is returned by Acquire after Close.
var ErrResourceManagerClosed = errors.New("resource manager is closed")

// ResourceManager bounds how many hosts are scanned at once.
type ResourceManager interface {
	// Acquire blocks until a host slot is free or ctx is done.
	Acquire(ctx context.Context, host string) error
	// Release frees the slot held by host.
	Release(host string)
	// ActiveHosts returns the number of hosts holding a slot.
	ActiveHosts() int
	// AvailableSlots returns the number of free slots.
	AvailableSlots() int
	Close() error
}

// HostStats is a point-in-time view of slot usage.
type HostStats struct {
	Capacity       int           `json:"capacity"`
	Active         int           `json:"active"`
	Available      int           `json:"available"`
	LongestRunning time.Duration `json:"longest_running_ns"`
	Closed         bool          `json:"closed"`
}

// FixedResourceManager implements ResourceManager with a fixed number of slots.
type FixedResourceManager struct {
	capacity  int
	semaphore chan struct{}
	active    map[string]time.Time
	mutex     sync.RWMutex
	closed    bool
}

// NewFixedResourceManager creates a manager with capacity slots.
func NewFixedResourceManager(capacity int) *FixedResourceManager {
	if capacity <= 0 {
		capacity = 1
	}
	return &FixedResourceManager{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]time.Time),
	}
}

// Acquire implements ResourceManager. A host that already holds a slot
// acquires nothing new.
func (rm *FixedResourceManager) Acquire(ctx context.Context, host string) error {
	rm.mutex.RLock()
	closed := rm.closed
	_, held := rm.active[host]
	rm.mutex.RUnlock()
	if closed {
		return ErrResourceManagerClosed
	}
	if held {
		return nil
	}

	select {
	case rm.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	rm.mutex.Lock()
	defer rm.mutex.Unlock()
	if rm.closed {
		<-rm.semaphore
		return ErrResourceManagerClosed
	}
	rm.active[host] = time.Now()
	return nil
}

// Release implements ResourceManager.
func (rm *FixedResourceManager) Release(host string) {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if _, exists := rm.active[host]; !exists {
		return
	}
	delete(rm.active, host)
	select {
	case <-rm.semaphore:
	default:
	}
}

// ActiveHosts implements ResourceManager.
func (rm *FixedResourceManager) ActiveHosts() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return len(rm.active)
}

// AvailableSlots implements ResourceManager.
func (rm *FixedResourceManager) AvailableSlots() int {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()
	return rm.capacity - len(rm.active)
}

// Close releases every slot and rejects further acquisitions.
func (rm *FixedResourceManager) Close() error {
	rm.mutex.Lock()
	defer rm.mutex.Unlock()

	if rm.closed {
		return nil
	}
	rm.closed = true
	rm.active = make(map[string]time.Time)

	for {
		select {
		case <-rm.semaphore:
		default:
			return nil
		}
	}
}

// Stats returns current slot usage.
func (rm *FixedResourceManager) Stats() HostStats {
	rm.mutex.RLock()
	defer rm.mutex.RUnlock()

	stats := HostStats{
		Capacity:  rm.capacity,
		Active:    len(rm.active),
		Available: rm.capacity - len(rm.active),
		Closed:    rm.closed,
	}
	now := time.Now()
	for _, started := range rm.active {
		if d := now.Sub(started); d > stats.LongestRunning {
			stats.LongestRunning = d
		}
	}
	return stats
}
