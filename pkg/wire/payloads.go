package wire

// SetTime устанавливает один из четырёх таймстемпов этапа.
type SetTime struct {
	TimeType  string `json:"time_type"` // OUT | OFF | ON | IN
	TripID    string `json:"trip_id"`
	Timestamp int64  `json:"timestamp"` // epoch seconds
	LegIndex  int    `json:"leg_index"`
}

// ClearTime сбрасывает один из четырёх таймстемпов этапа.
type ClearTime struct {
	TimeType string `json:"time_type"`
	TripID   string `json:"trip_id"`
	LegIndex int    `json:"leg_index"`
}

// FlightUpdate is the trip-state broadcast. LegIndex and TotalLegs are
// always present because the authoritative peer owns them. With Full unset
// nil pointer fields mean "unchanged"; with Full set the payload is a
// full-state replacement and nil fields mean "cleared".
type FlightUpdate struct {
	LegID        *string `json:"leg_id,omitempty"`
	Departure    *string `json:"departure,omitempty"`
	Arrival      *string `json:"arrival,omitempty"`
	FlightNumber *string `json:"flight_number,omitempty"`
	OutTime      *int64  `json:"out_time,omitempty"`
	OffTime      *int64  `json:"off_time,omitempty"`
	OnTime       *int64  `json:"on_time,omitempty"`
	InTime       *int64  `json:"in_time,omitempty"`
	UseZuluTime  *bool   `json:"use_zulu_time,omitempty"`
	LegIndex     int     `json:"leg_index"`
	TotalLegs    int     `json:"total_legs"`
	Full         bool    `json:"full,omitempty"`
}

// StartDuty запускает duty-таймер с указанного момента.
type StartDuty struct {
	Timestamp int64 `json:"timestamp"`
}

// EndDuty останавливает duty-таймер.
type EndDuty struct {
	Timestamp int64 `json:"timestamp"`
}

// DutyStatus is the authoritative duty confirmation pushed by the peer.
type DutyStatus struct {
	DutyStartTime *int64 `json:"duty_start_time,omitempty"` // epoch seconds
	TripID        string `json:"trip_id,omitempty"`
	IsDutyRunning bool   `json:"is_duty_running"`
}

// RequestNextLeg asks the authoritative peer to advance past the current leg.
type RequestNextLeg struct {
	CurrentLegIndex int `json:"current_leg_index"`
}

// AddNewLeg asks the authoritative peer to append a leg to the trip.
type AddNewLeg struct {
	Departure    string `json:"departure,omitempty"`
	FlightNumber string `json:"flight_number,omitempty"`
}

// LocationUpdate carries live telemetry; all fields optional.
type LocationUpdate struct {
	Speed     *float64 `json:"speed,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Airport   string   `json:"airport,omitempty"`
}

// PingReply подтверждает доставку ping.
type PingReply struct {
	Status string `json:"status"` // always "pong"
}

// FBOAlert is an advisory push about a nearby FBO; it never touches
// trip state and is handed straight to the notifier.
type FBOAlert struct {
	AirportCode     string  `json:"airport_code"`
	FBOName         string  `json:"fbo_name"`
	UnicomFrequency string  `json:"unicom_frequency,omitempty"`
	DistanceNM      float64 `json:"distance_nm"`
}
