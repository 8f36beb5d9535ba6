package quota

import (
	"context"
	"sync"
	"time"

	"github.com/local/submitgate/internal/identity"
)

type window struct {
	mu      sync.Mutex
	start   time.Time
	count   int
	evicted bool
}

// Memory is an in-process Tracker. State is lost on restart.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.RWMutex
	windows map[identity.ClientIdentity]*window

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// MemoryOption customizes a Memory tracker.
type MemoryOption func(*Memory)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// WithJanitor starts a background sweep that drops windows idle for two
// full periods. Stopped by Close.
func WithJanitor(every time.Duration) MemoryOption {
	return func(m *Memory) {
		if every <= 0 {
			return
		}
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.janitor(every)
	}
}

// NewMemory returns an in-process tracker.
func NewMemory(opts Options, mopts ...MemoryOption) *Memory {
	opts.defaults()
	m := &Memory{
		limit:   opts.Limit,
		window:  opts.Window,
		now:     time.Now,
		windows: make(map[identity.ClientIdentity]*window),
	}
	for _, o := range mopts {
		o(m)
	}
	return m
}

func (m *Memory) lookup(id identity.ClientIdentity) *window {
	m.mu.RLock()
	w, ok := m.windows[id]
	m.mu.RUnlock()
	if ok {
		return w
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok = m.windows[id]; !ok {
		w = &window{}
		m.windows[id] = w
	}
	return w
}

// lockWindow returns the live window for id, locked.
func (m *Memory) lockWindow(id identity.ClientIdentity) *window {
	for {
		w := m.lookup(id)
		w.mu.Lock()
		if !w.evicted {
			return w
		}
		w.mu.Unlock()
	}
}

func (m *Memory) roll(w *window, now time.Time) {
	if w.start.IsZero() || now.Sub(w.start) >= m.window {
		w.start = now
		w.count = 0
	}
}

// CheckAndConsume implements Tracker.
func (m *Memory) CheckAndConsume(_ context.Context, id identity.ClientIdentity) (Decision, error) {
	w := m.lockWindow(id)
	defer w.mu.Unlock()

	now := m.now()
	m.roll(w, now)
	if w.count >= m.limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: w.start.Add(m.window).Sub(now),
		}, nil
	}
	w.count++
	return Decision{Allowed: true, Remaining: m.limit - w.count}, nil
}

// Remaining implements Tracker.
func (m *Memory) Remaining(_ context.Context, id identity.ClientIdentity) (int, error) {
	m.mu.RLock()
	w, ok := m.windows[id]
	m.mu.RUnlock()
	if !ok {
		return m.limit, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.evicted || w.start.IsZero() || m.now().Sub(w.start) >= m.window {
		return m.limit, nil
	}
	return m.limit - w.count, nil
}

// Sweep drops windows idle for at least two periods and returns how many
// were removed.
func (m *Memory) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, w := range m.windows {
		w.mu.Lock()
		if !w.start.IsZero() && now.Sub(w.start) >= 2*m.window {
			w.evicted = true
			delete(m.windows, id)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked identities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.windows)
}

func (m *Memory) janitor(every time.Duration) {
	defer close(m.done)
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Close stops the janitor, if any.
func (m *Memory) Close() error {
	m.once.Do(func() {
		if m.stop != nil {
			close(m.stop)
			<-m.done
		}
	})
	return nil
}
