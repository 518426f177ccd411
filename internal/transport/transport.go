// Package transport defines the engine's view of the device link: three
// delivery modes with different guarantees, plus reachability signaling.
//
//   - immediate message: delivered only while the peer is reachable,
//     optional synchronous reply, fails fast when unreachable;
//   - latest-state: eventual delivery of the most recent payload only,
//     older unread payloads are superseded;
//   - queued transfer: best-effort delivery on next connect, order not
//     guaranteed across items.
package transport

import (
	"context"
	"errors"

	"github.com/iudanet/flightlink/pkg/wire"
)

// Common transport errors
var (
	// ErrUnreachable indicates the peer is not currently reachable
	ErrUnreachable = errors.New("peer is not reachable")

	// ErrChannelClosed indicates the channel has been shut down
	ErrChannelClosed = errors.New("transport channel is closed")
)

// ReplyFunc receives the peer's reply to an immediate message.
type ReplyFunc func(reply wire.Message)

// ErrorFunc receives the asynchronous failure of an immediate send.
type ErrorFunc func(err error)

// Handler consumes inbound traffic from the peer. Implementations must
// re-marshal onto their own serialized state context; the transport may
// invoke these from any goroutine.
type Handler interface {
	// HandleMessage processes an immediate inbound message and returns an
	// optional reply to deliver back to the sender.
	HandleMessage(msg wire.Message) *wire.Message

	// HandleContext processes a latest-state payload delivered live.
	HandleContext(msg wire.Message)

	// HandleTransfer processes one queued transfer item.
	HandleTransfer(msg wire.Message)

	// HandleReachability fires on every peer-reachable transition.
	HandleReachability(reachable bool)
}

//go:generate moq -out channel_mock.go . Channel

// Channel is one endpoint of the device link.
type Channel interface {
	// Reachable reports whether the peer is currently reachable.
	Reachable() bool

	// SendMessage attempts immediate delivery. It never blocks the caller:
	// the outcome arrives on exactly one of the callbacks, possibly from
	// another goroutine. On delivery reply fires with the peer's reply
	// (zero Message when the peer sent none); on failure errFn fires,
	// with ErrUnreachable when the peer is not reachable. Either callback
	// may be nil.
	SendMessage(ctx context.Context, msg wire.Message, reply ReplyFunc, errFn ErrorFunc)

	// UpdateLatestState replaces the pending latest-state payload for the
	// peer. Guaranteed eventual delivery, but only the most recent payload
	// survives until the peer reads it.
	UpdateLatestState(ctx context.Context, msg wire.Message) error

	// TakeLatestState returns and consumes the pending inbound latest-state
	// payload, or nil when none is waiting. Re-checked on every
	// reachability restore and once on process start, so a payload sent
	// while this process was dead is still observed.
	TakeLatestState(ctx context.Context) (*wire.Message, error)

	// QueueTransfer enqueues a best-effort transfer delivered when the
	// peer next connects.
	QueueTransfer(ctx context.Context, msg wire.Message) error

	// SetHandler registers the consumer of inbound traffic and
	// reachability events. Must be called before traffic flows.
	SetHandler(h Handler)
}
