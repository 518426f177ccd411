// Package engine implements the cross-device synchronization engine: it
// owns trip/duty state, reconciles inbound peer updates, queues undelivered
// requests, archives completed legs, and derives the duty display.
//
// One engine instance exists per process; the composition root (the cmd
// binaries) constructs it explicitly and passes it to consumers.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/flightlink/internal/history"
	"github.com/iudanet/flightlink/internal/models"
	"github.com/iudanet/flightlink/internal/settings"
	"github.com/iudanet/flightlink/internal/transport"
	"github.com/iudanet/flightlink/pkg/wire"
)

// FBONotifier receives advisory FBO pushes; they never touch trip state.
type FBONotifier func(alert wire.FBOAlert)

// Engine is the single-writer owner of TripState, DutyState, telemetry and
// the history store. All mutation is serialized behind mu; transport
// callbacks re-enter exclusively through the exported Handle* methods.
type Engine struct {
	channel   transport.Channel
	hist      history.Store
	prefs     settings.Store
	authority AuthorityPolicy
	grant     ExecutionGrant
	queue     *OutboundQueue
	status    *StatusReporter
	timer     *DisplayTimer
	logger    *slog.Logger
	notifier  FBONotifier

	mu          sync.Mutex
	trip        *models.TripState // подтвержденное пиром состояние
	provisional *models.TripState // локальные оптимистичные правки до подтверждения
	duty        models.DutyState
	telemetry   *models.Telemetry
}

// Config собирает зависимости движка; все поля кроме Prefs, Render и
// Notifier обязательны.
type Config struct {
	Channel   transport.Channel
	History   history.Store
	Prefs     settings.Store // nil допустим: предпочтение не персистится
	Authority AuthorityPolicy
	Grant     ExecutionGrant
	Render    RenderFunc // приемник кадров duty-таймера, nil допустим
	Notifier  FBONotifier
	Logger    *slog.Logger
}

// New constructs the engine and registers it as the channel handler.
func New(cfg Config) *Engine {
	logger := cfg.Logger.With("role", cfg.Authority.Name())

	render := cfg.Render
	if render == nil {
		render = func(string) {}
	}

	status := NewStatusReporter(logger)

	e := &Engine{
		channel:   cfg.Channel,
		hist:      cfg.History,
		prefs:     cfg.Prefs,
		authority: cfg.Authority,
		grant:     cfg.Grant,
		status:    status,
		queue:     NewOutboundQueue(cfg.Channel, status, logger),
		timer:     NewDisplayTimer(render, logger),
		logger:    logger,
		notifier:  cfg.Notifier,
	}

	cfg.Channel.SetHandler(e)
	return e
}

// Start runs the once-per-process startup sequence: history dedupe, then
// the same latest-state drain that runs on every reachability restore, so
// a payload delivered while the process was dead is not lost.
func (e *Engine) Start(ctx context.Context) error {
	removed, err := e.hist.DedupeOnce(ctx)
	if err != nil {
		return err
	}
	if removed > 0 {
		e.logger.Info("Deduplicated legacy history entries", "removed", removed)
	}

	e.drainLatestState(ctx)

	if e.channel.Reachable() {
		e.requestFullState(ctx)
	} else {
		e.status.Connecting()
	}

	return nil
}

// Close останавливает таймер и возвращает grant платформе.
func (e *Engine) Close() {
	e.timer.Stop()
	e.grant.Release()
}

// SetStatusListener registers the UI consumer of sync status transitions.
func (e *Engine) SetStatusListener(l StatusListener) {
	e.status.SetListener(l)
}

// Status returns the advisory sync status and queued-message count.
func (e *Engine) Status() (SyncStatus, int) {
	return e.status.Status()
}

// TripSnapshot returns the current trip view: local provisional edits when
// present, otherwise the last peer-confirmed state. Nil until the first
// inbound full state or local action.
func (e *Engine) TripSnapshot() *models.TripState {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.provisional != nil {
		return e.provisional.Clone()
	}
	if e.trip != nil {
		return e.trip.Clone()
	}
	return nil
}

// DutySnapshot returns the current duty pair.
func (e *Engine) DutySnapshot() models.DutyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return *e.duty.Clone()
}

// TelemetrySnapshot returns the last received live telemetry, nil if none.
func (e *Engine) TelemetrySnapshot() *models.Telemetry {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.telemetry == nil {
		return nil
	}
	t := *e.telemetry
	return &t
}

// CompletedLegs lists archived history for offline browsing.
func (e *Engine) CompletedLegs(ctx context.Context) ([]*models.CompletedLeg, error) {
	return e.hist.List(ctx)
}

// ClearHistory empties the history store. Explicit user action only;
// terminal trip events never touch history.
func (e *Engine) ClearHistory(ctx context.Context) error {
	return e.hist.Clear(ctx)
}

// --- transport.Handler ---

// HandleMessage processes an immediate inbound message.
func (e *Engine) HandleMessage(msg wire.Message) *wire.Message {
	reply, outs, post := e.applyInbound(msg)
	e.runPost(post)
	e.dispatch(context.Background(), outs)
	return reply
}

// HandleContext processes a latest-state payload delivered live.
func (e *Engine) HandleContext(msg wire.Message) {
	_, outs, post := e.applyInbound(msg)
	e.runPost(post)
	e.dispatch(context.Background(), outs)
}

// HandleTransfer processes one queued transfer item.
func (e *Engine) HandleTransfer(msg wire.Message) {
	_, outs, post := e.applyInbound(msg)
	e.runPost(post)
	e.dispatch(context.Background(), outs)
}

// HandleReachability reacts to a peer-reachable transition. On restore,
// strictly in order: drain the latest-state channel, flush the outbound
// queue, then request fresh full state from the peer.
func (e *Engine) HandleReachability(reachable bool) {
	e.logger.Info("Peer reachability changed", "reachable", reachable)
	e.status.PeerReachable(reachable)

	if !reachable {
		return
	}

	ctx := context.Background()
	e.drainLatestState(ctx)
	e.queue.Flush(ctx)
	e.requestFullState(ctx)
}

// drainLatestState применяет отложенный latest-state payload, если он есть.
func (e *Engine) drainLatestState(ctx context.Context) {
	msg, err := e.channel.TakeLatestState(ctx)
	if err != nil {
		e.logger.Warn("Failed to read latest-state channel", "error", err)
		return
	}
	if msg == nil {
		return
	}
	e.logger.Info("Applying pending latest-state payload", "type", msg.Type)
	e.HandleContext(*msg)
}

// requestFullState запрашивает у пира полный снимок трипа и duty-статуса.
// Авторитетная сторона сама источник истины и ничего не запрашивает.
func (e *Engine) requestFullState(ctx context.Context) {
	if e.authority.Authoritative() {
		return
	}

	flightReq, err := wire.NewMessage(wire.TypeRequestFlightData, nil)
	if err != nil {
		e.logger.Error("Failed to build flight data request", "error", err)
		return
	}
	dutyReq, err := wire.NewMessage(wire.TypeRequestDutyStatus, nil)
	if err != nil {
		e.logger.Error("Failed to build duty status request", "error", err)
		return
	}

	e.queue.Send(ctx, flightReq, "request flight data")
	e.queue.Send(ctx, dutyReq, "request duty status")
}

// --- local change requests (optimistic, confirmed by the peer echo) ---

// RequestSetTime sets one of the four leg timestamps. On the authoritative
// peer the change is applied directly and confirmed to the companion; on
// the adopting peer it is applied provisionally and forwarded.
func (e *Engine) RequestSetTime(ctx context.Context, kind models.TimeType, ts time.Time) {
	ts = ts.UTC()

	e.mu.Lock()
	if e.authority.Authoritative() {
		e.ensureTripLocked()
		e.trip.CurrentLeg.SetTime(kind, &ts)
		outs := e.confirmFlightStateLocked()
		e.mu.Unlock()
		e.dispatch(ctx, outs)
		return
	}

	snap := e.viewLocked()
	if snap == nil {
		// Без известного трипа компаньон не может адресовать правку
		e.mu.Unlock()
		e.logger.Warn("Set time requested with no known trip", "time_type", kind)
		return
	}
	prov := snap.Clone()
	prov.CurrentLeg.SetTime(kind, &ts)
	e.provisional = prov

	msg, err := wire.NewMessage(wire.TypeSetTime, wire.SetTime{
		TimeType:  string(kind),
		Timestamp: ts.Unix(),
		TripID:    snap.TripID,
		LegIndex:  snap.LegIndex,
	})
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Failed to build setTime message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "set "+string(kind)+" time")
}

// RequestClearTime clears one of the four leg timestamps.
func (e *Engine) RequestClearTime(ctx context.Context, kind models.TimeType) {
	e.mu.Lock()
	if e.authority.Authoritative() {
		e.ensureTripLocked()
		e.trip.CurrentLeg.SetTime(kind, nil)
		outs := e.confirmFlightStateLocked()
		e.mu.Unlock()
		e.dispatch(ctx, outs)
		return
	}

	snap := e.viewLocked()
	if snap == nil {
		e.mu.Unlock()
		e.logger.Warn("Clear time requested with no known trip", "time_type", kind)
		return
	}
	prov := snap.Clone()
	prov.CurrentLeg.SetTime(kind, nil)
	e.provisional = prov

	msg, err := wire.NewMessage(wire.TypeClearTime, wire.ClearTime{
		TimeType: string(kind),
		TripID:   snap.TripID,
		LegIndex: snap.LegIndex,
	})
	e.mu.Unlock()

	if err != nil {
		e.logger.Error("Failed to build clearTime message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "clear "+string(kind)+" time")
}

// RequestStartDuty starts the duty timer from the given instant.
// На адаптирующей стороне до подтверждения допустимо переходное
// состояние isRunning без startInstant.
func (e *Engine) RequestStartDuty(ctx context.Context, ts time.Time) {
	ts = ts.UTC()

	e.mu.Lock()
	if e.authority.Authoritative() {
		e.duty.IsRunning = true
		e.duty.StartInstant = &ts
		e.syncDutyDisplayLocked()
		outs := e.confirmDutyStateLocked()
		e.mu.Unlock()
		e.dispatch(ctx, outs)
		return
	}

	e.duty.IsRunning = true // start отправлен, подтверждение в пути
	e.syncDutyDisplayLocked()
	e.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypeStartDuty, wire.StartDuty{Timestamp: ts.Unix()})
	if err != nil {
		e.logger.Error("Failed to build startDuty message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "start duty timer")
}

// RequestEndDuty stops the duty timer.
func (e *Engine) RequestEndDuty(ctx context.Context, ts time.Time) {
	ts = ts.UTC()

	e.mu.Lock()
	e.duty.IsRunning = false
	e.duty.StartInstant = nil
	e.syncDutyDisplayLocked()

	if e.authority.Authoritative() {
		outs := e.confirmDutyStateLocked()
		e.mu.Unlock()
		e.dispatch(ctx, outs)
		return
	}
	e.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypeEndDuty, wire.EndDuty{Timestamp: ts.Unix()})
	if err != nil {
		e.logger.Error("Failed to build endDuty message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "end duty timer")
}

// RequestNextLeg asks to advance past the current leg. The companion only
// ever requests; the advance itself happens on the authoritative peer and
// comes back as a flightUpdate.
func (e *Engine) RequestNextLeg(ctx context.Context) {
	e.mu.Lock()
	if e.authority.Authoritative() {
		outs, post := e.advanceLegLocked()
		e.mu.Unlock()
		e.runPost(post)
		e.dispatch(ctx, outs)
		return
	}

	snap := e.viewLocked()
	e.mu.Unlock()

	if snap == nil {
		e.logger.Warn("Next leg requested with no known trip")
		return
	}

	msg, err := wire.NewMessage(wire.TypeRequestNextLeg, wire.RequestNextLeg{
		CurrentLegIndex: snap.LegIndex,
	})
	if err != nil {
		e.logger.Error("Failed to build requestNextLeg message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "request next leg")
}

// RequestAddLeg asks to append a leg to the trip.
func (e *Engine) RequestAddLeg(ctx context.Context, departure, flightNumber string) {
	e.mu.Lock()
	if e.authority.Authoritative() {
		e.ensureTripLocked()
		e.trip.TotalLegs++
		e.logger.Info("Appended leg to trip",
			"total_legs", e.trip.TotalLegs,
			"departure", departure,
			"flight_number", flightNumber)
		outs := e.confirmFlightStateLocked()
		e.mu.Unlock()
		e.dispatch(ctx, outs)
		return
	}
	e.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypeAddNewLeg, wire.AddNewLeg{
		Departure:    departure,
		FlightNumber: flightNumber,
	})
	if err != nil {
		e.logger.Error("Failed to build addNewLeg message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "add new leg")
}

// EndTrip clears local trip/duty state and notifies the peer. History is
// preserved.
func (e *Engine) EndTrip(ctx context.Context) {
	e.mu.Lock()
	e.clearLocalLocked()
	e.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypeTripEnded, nil)
	if err != nil {
		e.logger.Error("Failed to build tripEnded message", "error", err)
		return
	}
	e.queue.Send(ctx, msg, "trip ended")
}

// SendLocationUpdate forwards live telemetry to the peer. Telemetry is
// ephemeral: when the peer is unreachable the report is dropped, not
// queued — replaying stale positions is worse than skipping them.
func (e *Engine) SendLocationUpdate(ctx context.Context, update wire.LocationUpdate) {
	msg, err := wire.NewMessage(wire.TypeLocationUpdate, update)
	if err != nil {
		e.logger.Error("Failed to build locationUpdate message", "error", err)
		return
	}

	e.channel.SendMessage(ctx, msg, nil, func(err error) {
		e.logger.Debug("Dropped telemetry update", "error", err)
	})
}

// --- internal plumbing ---

// outMsg is one outbound side effect collected under the lock and sent
// after it is released, so synchronous transports cannot deadlock us.
type outMsg struct {
	desc   string
	msg    wire.Message
	mirror bool // additionally push through the latest-state channel
}

// dispatch отправляет собранные под локом сообщения уже без лока.
func (e *Engine) dispatch(ctx context.Context, outs []outMsg) {
	for _, o := range outs {
		if o.mirror {
			if err := e.channel.UpdateLatestState(ctx, o.msg); err != nil {
				e.logger.Warn("Failed to update latest-state channel",
					"type", o.msg.Type, "error", err)
			}
		}
		e.queue.Send(ctx, o.msg, o.desc)
	}
}

// runPost выполняет побочные эффекты, собранные под локом.
func (e *Engine) runPost(post []func()) {
	for _, f := range post {
		f()
	}
}

// viewLocked возвращает актуальный взгляд на трип (provisional поверх
// confirmed) без копирования. Вызывается под mu.
func (e *Engine) viewLocked() *models.TripState {
	if e.provisional != nil {
		return e.provisional
	}
	return e.trip
}

// ensureTripLocked lazily creates trip state on the authoritative peer for
// the first local action. Вызывается под mu.
func (e *Engine) ensureTripLocked() {
	if e.trip != nil {
		return
	}
	e.trip = &models.TripState{
		TripID:    uuid.New().String(),
		LegID:     uuid.New().String(),
		LegIndex:  0,
		TotalLegs: 1,
	}
	e.logger.Info("Created trip state",
		"trip_id", e.trip.TripID, "leg_id", e.trip.LegID)
}
