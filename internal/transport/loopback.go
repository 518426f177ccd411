package transport

import (
	"context"
	"sync"

	"github.com/iudanet/flightlink/pkg/wire"
)

// Loopback is an in-process implementation of Channel used by engine tests
// and single-machine demos. A pair shares one link whose reachability can
// be flipped to exercise queue/flush behavior. Delivery is synchronous on
// the caller's goroutine, which keeps tests deterministic; callers must
// not hold their state lock across sends (the engine never does).
type Loopback struct {
	link *link
	side int // 0 или 1, индекс стороны в link
}

// link держит общее состояние пары: достижимость и почтовые ящики.
type link struct {
	mu        sync.Mutex
	reachable bool
	handlers  [2]Handler
	latest    [2]*wire.Message  // входящий latest-state для каждой стороны
	transfers [2][]wire.Message // входящие queued transfers для каждой стороны
}

// NewLoopbackPair returns two connected endpoints. The link starts
// unreachable; call SetReachable to bring it up.
func NewLoopbackPair() (*Loopback, *Loopback) {
	l := &link{}
	return &Loopback{link: l, side: 0}, &Loopback{link: l, side: 1}
}

// SetHandler registers the consumer of inbound traffic for this endpoint.
func (lb *Loopback) SetHandler(h Handler) {
	lb.link.mu.Lock()
	defer lb.link.mu.Unlock()
	lb.link.handlers[lb.side] = h
}

// Reachable reports whether the link is up.
func (lb *Loopback) Reachable() bool {
	lb.link.mu.Lock()
	defer lb.link.mu.Unlock()
	return lb.link.reachable
}

// SetReachable flips the link state and fires reachability events on both
// endpoints. On transition to reachable, queued transfers are drained to
// their receivers before the events fire.
func (lb *Loopback) SetReachable(reachable bool) {
	lb.link.mu.Lock()
	if lb.link.reachable == reachable {
		lb.link.mu.Unlock()
		return
	}
	lb.link.reachable = reachable

	var deliveries [2][]wire.Message
	if reachable {
		// Queued transfers доставляются при следующем подключении
		for side := 0; side < 2; side++ {
			deliveries[side] = lb.link.transfers[side]
			lb.link.transfers[side] = nil
		}
	}
	handlers := lb.link.handlers
	lb.link.mu.Unlock()

	if reachable {
		for side := 0; side < 2; side++ {
			if handlers[side] == nil {
				continue
			}
			for _, msg := range deliveries[side] {
				handlers[side].HandleTransfer(msg)
			}
		}
	}

	for side := 0; side < 2; side++ {
		if handlers[side] != nil {
			handlers[side].HandleReachability(reachable)
		}
	}
}

// peer возвращает индекс противоположной стороны.
func (lb *Loopback) peer() int {
	return 1 - lb.side
}

// SendMessage delivers msg to the peer handler while the link is up;
// otherwise fails fast with ErrUnreachable.
func (lb *Loopback) SendMessage(ctx context.Context, msg wire.Message, reply ReplyFunc, errFn ErrorFunc) {
	lb.link.mu.Lock()
	up := lb.link.reachable
	h := lb.link.handlers[lb.peer()]
	lb.link.mu.Unlock()

	if !up || h == nil {
		if errFn != nil {
			errFn(ErrUnreachable)
		}
		return
	}

	r := h.HandleMessage(msg)
	if reply != nil {
		if r != nil {
			reply(*r)
		} else {
			reply(wire.Message{})
		}
	}
}

// UpdateLatestState replaces the peer's pending latest-state payload.
// При живом линке доставляет сразу, иначе payload ждет чтения —
// более новый вытесняет непрочитанный.
func (lb *Loopback) UpdateLatestState(ctx context.Context, msg wire.Message) error {
	lb.link.mu.Lock()
	up := lb.link.reachable
	h := lb.link.handlers[lb.peer()]
	if !up || h == nil {
		lb.link.latest[lb.peer()] = &msg
		lb.link.mu.Unlock()
		return nil
	}
	lb.link.mu.Unlock()

	h.HandleContext(msg)
	return nil
}

// TakeLatestState returns and consumes this endpoint's pending payload.
func (lb *Loopback) TakeLatestState(ctx context.Context) (*wire.Message, error) {
	lb.link.mu.Lock()
	defer lb.link.mu.Unlock()

	msg := lb.link.latest[lb.side]
	lb.link.latest[lb.side] = nil
	return msg, nil
}

// QueueTransfer enqueues a best-effort transfer for the peer, delivered on
// its next connect.
func (lb *Loopback) QueueTransfer(ctx context.Context, msg wire.Message) error {
	lb.link.mu.Lock()
	up := lb.link.reachable
	h := lb.link.handlers[lb.peer()]
	if !up || h == nil {
		lb.link.transfers[lb.peer()] = append(lb.link.transfers[lb.peer()], msg)
		lb.link.mu.Unlock()
		return nil
	}
	lb.link.mu.Unlock()

	h.HandleTransfer(msg)
	return nil
}
