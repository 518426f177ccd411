package engine

import (
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/flightlink/internal/timefmt"
)

//go:generate moq -out grant_mock.go . ExecutionGrant

// ExecutionGrant models the platform's long-lived background execution
// grant. The engine holds a grant while the duty timer is running and
// releases it the moment the timer stops, to respect battery and platform
// execution-time budgets. On expiry while still running the engine
// re-requests the grant rather than silently stopping.
type ExecutionGrant interface {
	// Acquire requests the grant. onExpired fires if the platform revokes
	// the grant before Release is called.
	Acquire(onExpired func()) error

	// Release returns the grant to the platform. Safe to call when not held.
	Release()
}

// NoopGrant is used on the primary device and in tests: the process has no
// execution-time budget to negotiate.
type NoopGrant struct{}

// Acquire всегда успешен и никогда не истекает.
func (NoopGrant) Acquire(onExpired func()) error { return nil }

// Release no-op.
func (NoopGrant) Release() {}

// RenderFunc receives the formatted elapsed value on every tick.
type RenderFunc func(elapsed string)

// DisplayTimer drives the live HH:MM:SS duty display. It is purely a
// display derivative: the authoritative (isRunning, startInstant) pair
// always comes from the peer confirmation, never from the local tick.
type DisplayTimer struct {
	render   RenderFunc
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	mu   sync.Mutex
	gen  int           // поколение активного тикера
	stop chan struct{} // nil когда таймер не запущен
}

// NewDisplayTimer creates a stopped timer. render is invoked from the
// timer goroutine once per second while running and with "00:00:00" on stop.
func NewDisplayTimer(render RenderFunc, logger *slog.Logger) *DisplayTimer {
	return &DisplayTimer{
		render:   render,
		logger:   logger,
		now:      time.Now,
		interval: time.Second,
	}
}

// Start begins the 1-second tick recomputing elapsed = now - start.
// Все кадры, включая первый, рисует горутина тикера: Start не блокируется
// и render может свободно читать движок обратно.
// Повторный Start перезапускает отсчет от нового момента.
func (t *DisplayTimer) Start(start time.Time) {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
	}
	t.gen++
	gen := t.gen
	stop := make(chan struct{})
	t.stop = stop
	t.mu.Unlock()

	go func() {
		// Первый кадр рисуем сразу, не дожидаясь первого тика
		t.render(timefmt.ElapsedSince(start, t.now()))

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				// Нулевой кадр рисует только актуальное поколение:
				// после рестарта дисплеем владеет уже новый тикер
				t.mu.Lock()
				current := gen == t.gen
				t.mu.Unlock()
				if current {
					t.render(timefmt.Elapsed(0))
				}
				return
			case <-ticker.C:
				t.render(timefmt.ElapsedSince(start, t.now()))
			}
		}
	}()
}

// Stop cancels the tick and clears the display to zero. Не блокируется:
// сигналит тикеру и возвращается, нулевой кадр — последний кадр тикера.
// Safe to call when not running.
func (t *DisplayTimer) Stop() {
	t.mu.Lock()
	if t.stop == nil {
		t.mu.Unlock()
		return
	}
	close(t.stop)
	t.stop = nil
	t.mu.Unlock()
}

// Running reports whether the tick goroutine is active.
func (t *DisplayTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stop != nil
}
