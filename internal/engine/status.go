package engine

import (
	"log/slog"
	"sync"
)

// SyncStatus summarizes channel health for user-facing indicators.
// Чисто презентационное производное состояние, нигде не персистится.
type SyncStatus string

const (
	StatusDisconnected SyncStatus = "disconnected"
	StatusConnecting   SyncStatus = "connecting"
	StatusConnected    SyncStatus = "connected"
	StatusSyncing      SyncStatus = "syncing"
	StatusSynced       SyncStatus = "synced"
	StatusPending      SyncStatus = "pending"
	StatusError        SyncStatus = "error"
)

// StatusListener receives status transitions together with the number of
// queued messages, for badges and indicators.
type StatusListener func(status SyncStatus, pendingCount int)

// StatusReporter is the advisory state machine of §sync indicators. It
// never blocks or gates delivery; every input is a notification of
// something that already happened.
type StatusReporter struct {
	logger   *slog.Logger
	listener StatusListener
	status   SyncStatus
	pending  int
	mu       sync.Mutex
}

// NewStatusReporter creates a reporter in the disconnected state.
func NewStatusReporter(logger *slog.Logger) *StatusReporter {
	return &StatusReporter{
		status: StatusDisconnected,
		logger: logger,
	}
}

// SetListener registers the UI-side consumer. Pass nil to detach.
func (r *StatusReporter) SetListener(l StatusListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// Status returns the current advisory status and queued-message count.
func (r *StatusReporter) Status() (SyncStatus, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status, r.pending
}

// PeerReachable notes a reachability transition.
// Любое состояние при появлении пира переходит в connected;
// потеря пира из connected/synced уводит в disconnected.
func (r *StatusReporter) PeerReachable(reachable bool) {
	r.mu.Lock()
	var notify func()
	switch {
	case reachable:
		notify = r.setLocked(StatusConnected)
	case r.pending > 0:
		notify = r.setLocked(StatusPending)
	default:
		notify = r.setLocked(StatusDisconnected)
	}
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// Connecting notes that the process is up and probing for the peer.
// Действует только из disconnected: любое более позднее знание точнее.
func (r *StatusReporter) Connecting() {
	r.mu.Lock()
	var notify func()
	if r.status == StatusDisconnected {
		notify = r.setLocked(StatusConnecting)
	}
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// SendStarted notes that the engine initiated a send.
func (r *StatusReporter) SendStarted() {
	r.mu.Lock()
	notify := r.setLocked(StatusSyncing)
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// SendSucceeded notes a delivered send with observed reply/ack.
func (r *StatusReporter) SendSucceeded(pendingCount int) {
	r.mu.Lock()
	r.pending = pendingCount
	next := StatusSynced
	if pendingCount > 0 {
		// Очередь еще не пуста — остаемся в syncing до полного слива
		next = StatusSyncing
	}
	notify := r.setLocked(next)
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// SendFailed notes a failed send; the message was queued.
func (r *StatusReporter) SendFailed(pendingCount int) {
	r.mu.Lock()
	r.pending = pendingCount
	notify := r.setLocked(StatusPending)
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// FlushStarted notes that the queue began draining on reconnect.
func (r *StatusReporter) FlushStarted() {
	r.mu.Lock()
	notify := r.setLocked(StatusSyncing)
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// TransportError notes an unrecoverable transport fault.
func (r *StatusReporter) TransportError(err error) {
	r.logger.Error("Transport error", "error", err)

	r.mu.Lock()
	notify := r.setLocked(StatusError)
	r.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// setLocked применяет переход и возвращает уведомление слушателя.
// Вызывается под mu; уведомление выполняется уже после снятия mu, чтобы
// слушатель мог безопасно читать репортер из своего колбэка.
func (r *StatusReporter) setLocked(next SyncStatus) func() {
	if r.status == next {
		return nil
	}
	r.logger.Debug("Sync status transition",
		"from", r.status,
		"to", next,
		"pending", r.pending)
	r.status = next

	listener := r.listener
	if listener == nil {
		return nil
	}
	pending := r.pending
	return func() { listener(next, pending) }
}
