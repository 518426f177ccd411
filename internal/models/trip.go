package models

import "time"

// TimeType идентифицирует один из четырёх таймстемпов этапа полёта.
type TimeType string

// Leg timestamp kinds in chronological order
const (
	TimeOut TimeType = "OUT" // gate departure
	TimeOff TimeType = "OFF" // wheels up
	TimeOn  TimeType = "ON"  // wheels down
	TimeIn  TimeType = "IN"  // gate arrival
)

// FlightPhase is a display label derived from the first missing leg timestamp.
// It is never stored; see LegTimes.Phase.
type FlightPhase string

const (
	PhasePreFlight FlightPhase = "preflight"
	PhaseTaxiOut   FlightPhase = "taxi_out"
	PhaseEnroute   FlightPhase = "enroute"
	PhaseTaxiIn    FlightPhase = "taxi_in"
	PhaseComplete  FlightPhase = "complete"
)

// AirportUnknown сообщает, является ли значение аэропорта placeholder'ом,
// который пир шлёт вместо ещё не известного поля ("", "TBD").
func AirportUnknown(code string) bool {
	return code == "" || code == "TBD"
}

// LegTimes represents one flight segment: route fields plus the four
// optional absolute instants. Instants are stored UTC and are never
// rewritten for display; timezone preference applies at render time only.
type LegTimes struct {
	Out          *time.Time `json:"out,omitempty"`
	Off          *time.Time `json:"off,omitempty"`
	On           *time.Time `json:"on,omitempty"`
	In           *time.Time `json:"in,omitempty"`
	FlightNumber string     `json:"flight_number"`
	Departure    string     `json:"departure"`
	Arrival      string     `json:"arrival"`
}

// Time returns the stored instant for the given kind (nil when not set).
func (l *LegTimes) Time(kind TimeType) *time.Time {
	switch kind {
	case TimeOut:
		return l.Out
	case TimeOff:
		return l.Off
	case TimeOn:
		return l.On
	case TimeIn:
		return l.In
	}
	return nil
}

// SetTime stores the instant for the given kind. Unknown kinds are ignored.
func (l *LegTimes) SetTime(kind TimeType, t *time.Time) {
	switch kind {
	case TimeOut:
		l.Out = t
	case TimeOff:
		l.Off = t
	case TimeOn:
		l.On = t
	case TimeIn:
		l.In = t
	}
}

// Complete reports whether all four timestamps are set.
// Только complete этап можно архивировать в историю.
func (l *LegTimes) Complete() bool {
	return l.Out != nil && l.Off != nil && l.On != nil && l.In != nil
}

// Phase derives the flight phase from the first missing timestamp.
// Pure function of the stored instants, no state is kept.
func (l *LegTimes) Phase() FlightPhase {
	switch {
	case l.Out == nil:
		return PhasePreFlight
	case l.Off == nil:
		return PhaseTaxiOut
	case l.On == nil:
		return PhaseEnroute
	case l.In == nil:
		return PhaseTaxiIn
	default:
		return PhaseComplete
	}
}

// Clone создает глубокую копию этапа.
func (l *LegTimes) Clone() *LegTimes {
	c := &LegTimes{
		FlightNumber: l.FlightNumber,
		Departure:    l.Departure,
		Arrival:      l.Arrival,
	}
	c.Out = cloneInstant(l.Out)
	c.Off = cloneInstant(l.Off)
	c.On = cloneInstant(l.On)
	c.In = cloneInstant(l.In)
	return c
}

func cloneInstant(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TripState is the engine-owned view of the active trip. The authoritative
// peer owns LegIndex and TotalLegs; the adopting peer never advances them
// locally (see engine.AuthorityPolicy).
type TripState struct {
	TripID     string   `json:"trip_id"`
	LegID      string   `json:"leg_id"` // stable id of the current leg, "" until assigned
	CurrentLeg LegTimes `json:"current_leg"`
	LegIndex   int      `json:"leg_index"`
	TotalLegs  int      `json:"total_legs"`
}

// HasMoreLegs reports whether a later leg exists after the current one.
func (t *TripState) HasMoreLegs() bool {
	return t.LegIndex < t.TotalLegs-1
}

// Clone создает глубокую копию состояния трипа.
func (t *TripState) Clone() *TripState {
	c := *t
	c.CurrentLeg = *t.CurrentLeg.Clone()
	return &c
}

// CompletedLeg is an immutable snapshot of a finished leg kept for offline
// history browsing. ID is the stable identifier assigned by the
// authoritative peer; entries that predate stable ids are reconciled by the
// tuple rule (see TupleKey).
type CompletedLeg struct {
	ArchivedAt   time.Time `json:"archived_at"`
	Out          time.Time `json:"out"`
	Off          time.Time `json:"off"`
	On           time.Time `json:"on"`
	In           time.Time `json:"in"`
	ID           string    `json:"id"`
	FlightNumber string    `json:"flight_number"`
	Departure    string    `json:"departure"`
	Arrival      string    `json:"arrival"`
}

// TupleKey returns the legacy identity key (departure, arrival, out, in).
// Two entries with equal keys describe the same real-world leg even when
// their ids differ; the rule exists only to heal entries created before
// stable ids.
func (c *CompletedLeg) TupleKey() string {
	return c.Departure + "|" + c.Arrival + "|" +
		c.Out.UTC().Format(time.RFC3339) + "|" + c.In.UTC().Format(time.RFC3339)
}

// DutyState is the engine-owned duty timer pair. The converged state keeps
// StartInstant nil whenever IsRunning is false, but a transient
// running-without-start is legal for one reconciliation cycle (start sent,
// confirmation not yet received).
type DutyState struct {
	StartInstant *time.Time `json:"start_instant,omitempty"`
	IsRunning    bool       `json:"is_running"`
}

// Displayable reports whether the timer can be rendered yet.
// Running without a start instant означает "подтверждение ещё в пути",
// а не ошибку.
func (d *DutyState) Displayable() bool {
	return d.IsRunning && d.StartInstant != nil
}

// Clone создает копию duty-состояния.
func (d *DutyState) Clone() *DutyState {
	c := &DutyState{IsRunning: d.IsRunning}
	c.StartInstant = cloneInstant(d.StartInstant)
	return c
}

// Telemetry is the last live position report received from the peer.
// Advisory display data only, cleared together with trip state.
type Telemetry struct {
	UpdatedAt time.Time `json:"updated_at"`
	Speed     *float64  `json:"speed,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Airport   string    `json:"airport,omitempty"`
}
