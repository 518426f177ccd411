package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iudanet/flightlink/internal/transport"
	"github.com/iudanet/flightlink/pkg/wire"
)

// PendingMessage is an outbound state-change request buffered while the
// peer is unreachable. Same-intent pendings are deliberately not
// collapsed; the queue preserves strict FIFO across retries.
type PendingMessage struct {
	EnqueuedAt  time.Time
	Description string
	Msg         wire.Message
}

// OutboundQueue buffers outbound requests when the immediate channel is
// unavailable and flushes them oldest-first on reconnect. A message is
// never discarded because of a channel failure: every failed send
// re-enqueues. Loss is possible only if the process dies with messages in
// memory, which is acceptable because full state is mirrored through the
// latest-state channel and replayed on reconnect.
type OutboundQueue struct {
	channel transport.Channel
	status  *StatusReporter
	logger  *slog.Logger

	mu      sync.Mutex
	pending []PendingMessage
}

// NewOutboundQueue creates an empty queue bound to the channel.
func NewOutboundQueue(channel transport.Channel, status *StatusReporter, logger *slog.Logger) *OutboundQueue {
	return &OutboundQueue{
		channel: channel,
		status:  status,
		logger:  logger,
	}
}

// Pending returns the number of queued messages.
func (q *OutboundQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Snapshot returns a copy of the queued messages, oldest first.
func (q *OutboundQueue) Snapshot() []PendingMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingMessage, len(q.pending))
	copy(out, q.pending)
	return out
}

// Send attempts immediate delivery and enqueues on failure. Ошибка не
// поднимается к вызывающему дальше лога: очередь сама доставит сообщение
// после восстановления связи.
func (q *OutboundQueue) Send(ctx context.Context, msg wire.Message, description string) {
	q.sendPending(ctx, PendingMessage{
		Msg:         msg,
		Description: description,
		EnqueuedAt:  time.Now(),
	})
}

// sendPending выполняет одну попытку доставки для нового или
// переигрываемого сообщения.
func (q *OutboundQueue) sendPending(ctx context.Context, pm PendingMessage) {
	q.status.SendStarted()

	if !q.channel.Reachable() {
		q.enqueue(pm, transport.ErrUnreachable)
		return
	}

	q.channel.SendMessage(ctx, pm.Msg,
		func(reply wire.Message) {
			q.status.SendSucceeded(q.Pending())
		},
		func(err error) {
			// Transient ошибка транспорта — сообщение возвращается в очередь
			q.enqueue(pm, err)
		},
	)
}

// enqueue ставит сообщение в хвост очереди и обновляет индикатор.
func (q *OutboundQueue) enqueue(pm PendingMessage, cause error) {
	q.mu.Lock()
	q.pending = append(q.pending, pm)
	count := len(q.pending)
	q.mu.Unlock()

	q.logger.Info("Queued outbound message",
		"type", pm.Msg.Type,
		"description", pm.Description,
		"cause", cause,
		"pending", count)

	q.status.SendFailed(count)
}

// Flush drains the queue oldest-first, re-attempting each entry through
// the same send path, so a repeat failure re-enqueues again. Flush is only
// ever triggered by an external reachability signal, never by a timer, so
// no loop guard is needed.
func (q *OutboundQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	q.logger.Info("Flushing outbound queue", "count", len(batch))
	q.status.FlushStarted()

	for _, pm := range batch {
		q.sendPending(ctx, pm)
	}
}
