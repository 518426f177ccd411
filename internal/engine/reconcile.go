package engine

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/flightlink/internal/models"
	"github.com/iudanet/flightlink/pkg/wire"
)

// applyInbound merges one peer-sent message into local state. It returns
// an optional synchronous reply, outbound side effects to dispatch after
// the lock is released, and deferred effects (history writes, notifier
// calls). Ничто здесь не фатально: худший исход — лог и пропуск.
func (e *Engine) applyInbound(msg wire.Message) (reply *wire.Message, outs []outMsg, post []func()) {
	if !msg.Type.Known() {
		e.logger.Warn("Ignoring unknown message type", "type", msg.Type)
		return nil, nil, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch msg.Type {
	case wire.TypePing:
		pong, err := wire.NewMessage(wire.TypePing, wire.PingReply{Status: "pong"})
		if err != nil {
			e.logger.Error("Failed to build pong reply", "error", err)
			return nil, nil, nil
		}
		return &pong, nil, nil

	case wire.TypeFlightUpdate:
		var upd wire.FlightUpdate
		if err := msg.DecodePayload(&upd); err != nil {
			e.logger.Warn("Dropping malformed flightUpdate", "error", err)
			return nil, nil, nil
		}
		post = e.applyFlightUpdateLocked(upd)
		return nil, nil, post

	case wire.TypeSetTime:
		var p wire.SetTime
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed setTime", "error", err)
			return nil, nil, nil
		}
		ts := time.Unix(p.Timestamp, 0).UTC()
		outs = e.applyTimeChangeLocked(models.TimeType(p.TimeType), &ts, p.TripID, p.LegIndex)
		return nil, outs, nil

	case wire.TypeClearTime:
		var p wire.ClearTime
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed clearTime", "error", err)
			return nil, nil, nil
		}
		outs = e.applyTimeChangeLocked(models.TimeType(p.TimeType), nil, p.TripID, p.LegIndex)
		return nil, outs, nil

	case wire.TypeStartDuty:
		var p wire.StartDuty
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed startDuty", "error", err)
			return nil, nil, nil
		}
		ts := time.Unix(p.Timestamp, 0).UTC()
		e.duty.IsRunning = true
		e.duty.StartInstant = &ts
		e.syncDutyDisplayLocked()
		if e.authority.Authoritative() {
			outs = e.confirmDutyStateLocked()
		}
		return nil, outs, nil

	case wire.TypeEndDuty:
		var p wire.EndDuty
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed endDuty", "error", err)
			return nil, nil, nil
		}
		e.duty.IsRunning = false
		e.duty.StartInstant = nil
		e.syncDutyDisplayLocked()
		if e.authority.Authoritative() {
			outs = e.confirmDutyStateLocked()
		}
		return nil, outs, nil

	case wire.TypeDutyStatus:
		var p wire.DutyStatus
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed dutyStatus", "error", err)
			return nil, nil, nil
		}
		if e.authority.Authoritative() {
			// Подтверждения исходят только от нас; входящий dutyStatus
			// ничего не меняет
			e.logger.Debug("Ignoring dutyStatus on authoritative peer")
			return nil, nil, nil
		}
		// Подтверждение от пира — авторитетная пара целиком
		e.duty.IsRunning = p.IsDutyRunning
		e.duty.StartInstant = wire.EpochToTime(p.DutyStartTime)
		if p.TripID != "" && e.trip != nil && e.trip.TripID == "" {
			e.trip.TripID = p.TripID
		}
		e.syncDutyDisplayLocked()
		return nil, nil, nil

	case wire.TypeRequestNextLeg:
		var p wire.RequestNextLeg
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed requestNextLeg", "error", err)
			return nil, nil, nil
		}
		if !e.authority.Authoritative() {
			e.logger.Warn("Ignoring requestNextLeg on non-authoritative peer")
			return nil, nil, nil
		}
		if e.trip != nil && p.CurrentLegIndex != e.trip.LegIndex {
			// Запрос от устаревшего взгляда — не продвигаем, а ресинкаем
			e.logger.Warn("Stale next-leg request",
				"requested_from", p.CurrentLegIndex,
				"current", e.trip.LegIndex)
			return nil, e.confirmFlightStateLocked(), nil
		}
		outs, post = e.advanceLegLocked()
		return nil, outs, post

	case wire.TypeAddNewLeg:
		var p wire.AddNewLeg
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed addNewLeg", "error", err)
			return nil, nil, nil
		}
		if !e.authority.Authoritative() {
			e.logger.Warn("Ignoring addNewLeg on non-authoritative peer")
			return nil, nil, nil
		}
		e.ensureTripLocked()
		e.trip.TotalLegs++
		e.logger.Info("Appended leg to trip",
			"total_legs", e.trip.TotalLegs,
			"departure", p.Departure,
			"flight_number", p.FlightNumber)
		return nil, e.confirmFlightStateLocked(), nil

	case wire.TypeRequestFlightData:
		if !e.authority.Authoritative() {
			e.logger.Warn("Ignoring requestFlightData on non-authoritative peer")
			return nil, nil, nil
		}
		if e.trip == nil {
			e.logger.Info("Flight data requested, no active trip")
			return nil, nil, nil
		}
		return nil, e.confirmFlightStateLocked(), nil

	case wire.TypeRequestDutyStatus:
		if !e.authority.Authoritative() {
			e.logger.Warn("Ignoring requestDutyStatus on non-authoritative peer")
			return nil, nil, nil
		}
		return nil, e.confirmDutyStateLocked(), nil

	case wire.TypeLocationUpdate:
		var p wire.LocationUpdate
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed locationUpdate", "error", err)
			return nil, nil, nil
		}
		e.applyTelemetryLocked(p)
		return nil, nil, nil

	case wire.TypeFBOAlert:
		var p wire.FBOAlert
		if err := msg.DecodePayload(&p); err != nil {
			e.logger.Warn("Dropping malformed fboAlert", "error", err)
			return nil, nil, nil
		}
		if e.notifier != nil {
			alert := p
			post = append(post, func() { e.notifier(alert) })
		}
		return nil, nil, post

	}

	if msg.Type.Terminal() {
		e.logger.Info("Terminal trip event", "type", msg.Type)
		e.clearLocalLocked()
	}
	return nil, nil, nil
}

// applyFlightUpdateLocked merges a trip-state broadcast. The authoritative
// peer keeps its own legIndex/totalLegs; the adopting peer takes the
// inbound values, archiving the outgoing leg on a forward advance.
func (e *Engine) applyFlightUpdateLocked(upd wire.FlightUpdate) (post []func()) {
	total := upd.TotalLegs
	if total < 1 {
		e.logger.Warn("Flight update with invalid total legs", "total_legs", total)
		total = 1
	}
	idx := upd.LegIndex
	if idx < 0 {
		e.logger.Warn("Flight update with negative leg index", "leg_index", idx)
		idx = 0
	}
	if idx >= total {
		// Клампим и логируем аномалию, но не падаем
		e.logger.Warn("Flight update leg index out of range, clamping",
			"leg_index", idx, "total_legs", total)
		idx = total - 1
	}

	if e.trip == nil {
		e.trip = &models.TripState{LegIndex: idx, TotalLegs: total}
	}

	if e.authority.Authoritative() {
		if idx != e.trip.LegIndex || total != e.trip.TotalLegs {
			e.logger.Warn("Ignoring non-authoritative trip structure",
				"inbound_leg_index", idx, "inbound_total_legs", total)
		}
	} else {
		if idx > e.trip.LegIndex {
			// Архивируем уходящий этап до того, как его перезапишем
			post = e.archiveOutgoingLegLocked(post)
			e.trip.CurrentLeg = models.LegTimes{}
			e.trip.LegID = ""
		} else if idx < e.trip.LegIndex {
			// Авторитетный пир откатил индекс — принимаем его взгляд
			e.logger.Warn("Leg index moved backwards, adopting peer view",
				"from", e.trip.LegIndex, "to", idx)
			e.trip.CurrentLeg = models.LegTimes{}
			e.trip.LegID = ""
		}
		e.trip.LegIndex = idx
		e.trip.TotalLegs = total
	}

	leg := &e.trip.CurrentLeg

	if upd.Full {
		// Полная замена: nil означает "очищено"
		e.trip.LegID = deref(upd.LegID)
		leg.FlightNumber = deref(upd.FlightNumber)
		leg.Departure = normalizeAirport(deref(upd.Departure))
		leg.Arrival = normalizeAirport(deref(upd.Arrival))
		leg.Out = wire.EpochToTime(upd.OutTime)
		leg.Off = wire.EpochToTime(upd.OffTime)
		leg.On = wire.EpochToTime(upd.OnTime)
		leg.In = wire.EpochToTime(upd.InTime)
	} else {
		// Частичное обновление: присутствующие поля обновляем,
		// остальные не трогаем; sentinel-значения трактуем как unknown
		if upd.LegID != nil {
			e.trip.LegID = *upd.LegID
		}
		if upd.FlightNumber != nil && *upd.FlightNumber != "" {
			leg.FlightNumber = *upd.FlightNumber
		}
		if upd.Departure != nil && !models.AirportUnknown(*upd.Departure) {
			leg.Departure = *upd.Departure
		}
		if upd.Arrival != nil && !models.AirportUnknown(*upd.Arrival) {
			leg.Arrival = *upd.Arrival
		}
		if upd.OutTime != nil {
			leg.Out = wire.EpochToTime(upd.OutTime)
		}
		if upd.OffTime != nil {
			leg.Off = wire.EpochToTime(upd.OffTime)
		}
		if upd.OnTime != nil {
			leg.On = wire.EpochToTime(upd.OnTime)
		}
		if upd.InTime != nil {
			leg.In = wire.EpochToTime(upd.InTime)
		}
	}

	// Подтвержденное состояние вытесняет локальные оптимистичные правки
	e.provisional = nil

	if upd.UseZuluTime != nil && e.prefs != nil {
		useZulu := *upd.UseZuluTime
		post = append(post, func() {
			if err := e.prefs.SaveUseZuluTime(context.Background(), useZulu); err != nil {
				e.logger.Warn("Failed to persist time display preference", "error", err)
			}
		})
	}

	return post
}

// applyTimeChangeLocked applies an inbound set/clear of one leg timestamp.
// ts == nil означает очистку. Авторитетная сторона подтверждает мутацию
// полным снимком.
func (e *Engine) applyTimeChangeLocked(kind models.TimeType, ts *time.Time, tripID string, legIndex int) []outMsg {
	switch kind {
	case models.TimeOut, models.TimeOff, models.TimeOn, models.TimeIn:
	default:
		e.logger.Warn("Ignoring time change with unknown time type", "time_type", kind)
		return nil
	}

	if e.trip == nil {
		if e.authority.Authoritative() {
			e.ensureTripLocked()
			if tripID != "" {
				e.trip.TripID = tripID
			}
		} else {
			e.trip = &models.TripState{
				TripID:    tripID,
				LegIndex:  legIndex,
				TotalLegs: legIndex + 1,
			}
		}
	}

	if legIndex != e.trip.LegIndex {
		// Правка адресована не текущему этапу — ресинкаем отправителя
		e.logger.Warn("Time change for non-current leg",
			"time_type", kind,
			"requested_leg", legIndex,
			"current_leg", e.trip.LegIndex)
		if e.authority.Authoritative() {
			return e.confirmFlightStateLocked()
		}
		return nil
	}

	e.trip.CurrentLeg.SetTime(kind, ts)

	if e.authority.Authoritative() {
		return e.confirmFlightStateLocked()
	}
	return nil
}

// advanceLegLocked moves the authoritative peer to the next leg, archiving
// the outgoing one when possible, and confirms the new state.
func (e *Engine) advanceLegLocked() ([]outMsg, []func()) {
	if e.trip == nil {
		e.logger.Warn("Next leg requested with no active trip")
		return nil, nil
	}
	if !e.trip.HasMoreLegs() {
		e.logger.Warn("Next leg requested on final leg",
			"leg_index", e.trip.LegIndex,
			"total_legs", e.trip.TotalLegs)
		return e.confirmFlightStateLocked(), nil
	}

	post := e.archiveOutgoingLegLocked(nil)

	// Новый этап стартует из аэропорта прилета предыдущего
	departure := e.trip.CurrentLeg.Arrival
	e.trip.LegIndex++
	e.trip.CurrentLeg = models.LegTimes{Departure: departure}
	e.trip.LegID = uuid.New().String()

	e.logger.Info("Advanced to next leg",
		"leg_index", e.trip.LegIndex,
		"leg_id", e.trip.LegID,
		"departure", departure)

	return e.confirmFlightStateLocked(), post
}

// archiveOutgoingLegLocked snapshots the current leg for the history store
// before it is overwritten. Skips (with a log, never an error) when the
// leg is incomplete or its stable id is unknown — ids are never fabricated.
func (e *Engine) archiveOutgoingLegLocked(post []func()) []func() {
	leg := e.trip.CurrentLeg

	if !leg.Complete() {
		e.logger.Info("Skipping archive of incomplete leg",
			"leg_index", e.trip.LegIndex,
			"phase", leg.Phase())
		return post
	}
	if e.trip.LegID == "" {
		// Известный пробел: этап без stable id теряется для истории
		e.logger.Warn("Skipping archive: stable leg id unknown",
			"leg_index", e.trip.LegIndex,
			"departure", leg.Departure,
			"arrival", leg.Arrival)
		return post
	}

	completed := &models.CompletedLeg{
		ID:           e.trip.LegID,
		FlightNumber: leg.FlightNumber,
		Departure:    leg.Departure,
		Arrival:      leg.Arrival,
		Out:          *leg.Out,
		Off:          *leg.Off,
		On:           *leg.On,
		In:           *leg.In,
		ArchivedAt:   time.Now().UTC(),
	}

	return append(post, func() {
		archived, err := e.hist.Archive(context.Background(), completed)
		if err != nil {
			e.logger.Error("Failed to archive completed leg",
				"leg_id", completed.ID, "error", err)
			return
		}
		if !archived {
			e.logger.Debug("Leg already archived", "leg_id", completed.ID)
		}
	})
}

// applyTelemetryLocked merges a partial live-position report.
func (e *Engine) applyTelemetryLocked(p wire.LocationUpdate) {
	if e.telemetry == nil {
		e.telemetry = &models.Telemetry{}
	}
	if p.Speed != nil {
		e.telemetry.Speed = p.Speed
	}
	if p.Altitude != nil {
		e.telemetry.Altitude = p.Altitude
	}
	if p.Latitude != nil {
		e.telemetry.Latitude = p.Latitude
	}
	if p.Longitude != nil {
		e.telemetry.Longitude = p.Longitude
	}
	if p.Airport != "" {
		e.telemetry.Airport = p.Airport
	}
	e.telemetry.UpdatedAt = time.Now().UTC()
}

// clearLocalLocked wipes trip, duty and telemetry state on a terminal trip
// event. История завершенных этапов сознательно не трогается.
func (e *Engine) clearLocalLocked() {
	e.trip = nil
	e.provisional = nil
	e.duty = models.DutyState{}
	e.telemetry = nil
	e.syncDutyDisplayLocked()
}

// syncDutyDisplayLocked reconciles the display timer and the execution
// grant with the current duty pair. Grant implementations must invoke
// onExpired asynchronously.
func (e *Engine) syncDutyDisplayLocked() {
	if !e.duty.IsRunning {
		e.timer.Stop()
		e.grant.Release()
		return
	}

	// Grant держим всё время, пока duty запущен
	if err := e.grant.Acquire(e.handleGrantExpiry); err != nil {
		e.logger.Warn("Failed to acquire execution grant", "error", err)
	}

	if e.duty.Displayable() {
		e.timer.Start(*e.duty.StartInstant)
	} else {
		// Start отправлен, подтверждение еще в пути — таймер пока нечем кормить
		e.timer.Stop()
	}
}

// handleGrantExpiry re-requests the execution grant if duty is still
// running when the platform revokes it.
func (e *Engine) handleGrantExpiry() {
	e.mu.Lock()
	running := e.duty.IsRunning
	e.mu.Unlock()

	if !running {
		return
	}

	e.logger.Info("Execution grant expired while duty running, re-requesting")
	if err := e.grant.Acquire(e.handleGrantExpiry); err != nil {
		e.logger.Warn("Failed to re-acquire execution grant", "error", err)
	}
}

// confirmFlightStateLocked builds the full-state confirmation pushed after
// every trip mutation: immediate send plus latest-state mirror, so an
// unreachable peer still converges on reconnect.
func (e *Engine) confirmFlightStateLocked() []outMsg {
	if e.trip == nil {
		return nil
	}

	leg := e.trip.CurrentLeg
	upd := wire.FlightUpdate{
		LegIndex:  e.trip.LegIndex,
		TotalLegs: e.trip.TotalLegs,
		Full:      true,
	}
	if e.trip.LegID != "" {
		upd.LegID = &e.trip.LegID
	}
	if leg.FlightNumber != "" {
		upd.FlightNumber = &leg.FlightNumber
	}
	if leg.Departure != "" {
		upd.Departure = &leg.Departure
	}
	if leg.Arrival != "" {
		upd.Arrival = &leg.Arrival
	}
	upd.OutTime = wire.TimeToEpoch(leg.Out)
	upd.OffTime = wire.TimeToEpoch(leg.Off)
	upd.OnTime = wire.TimeToEpoch(leg.On)
	upd.InTime = wire.TimeToEpoch(leg.In)

	msg, err := wire.NewMessage(wire.TypeFlightUpdate, upd)
	if err != nil {
		e.logger.Error("Failed to build flight update", "error", err)
		return nil
	}

	return []outMsg{{msg: msg, desc: "flight state confirmation", mirror: true}}
}

// confirmDutyStateLocked builds the authoritative duty confirmation.
func (e *Engine) confirmDutyStateLocked() []outMsg {
	status := wire.DutyStatus{
		IsDutyRunning: e.duty.IsRunning,
		DutyStartTime: wire.TimeToEpoch(e.duty.StartInstant),
	}
	if e.trip != nil {
		status.TripID = e.trip.TripID
	}

	msg, err := wire.NewMessage(wire.TypeDutyStatus, status)
	if err != nil {
		e.logger.Error("Failed to build duty status", "error", err)
		return nil
	}

	return []outMsg{{msg: msg, desc: "duty status confirmation", mirror: true}}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// normalizeAirport сводит sentinel-значения неизвестного аэропорта к "".
func normalizeAirport(code string) string {
	if models.AirportUnknown(code) {
		return ""
	}
	return code
}
