package protocol

import "time"

// AlarmState is one of the fixed alarm panel states.
type AlarmState string

const (
	StateDisarmed          AlarmState = "disarmed"
	StateArming            AlarmState = "arming"
	StateArmedHome         AlarmState = "armed_home"
	StateArmedAway         AlarmState = "armed_away"
	StateArmedNight        AlarmState = "armed_night"
	StateArmedVacation     AlarmState = "armed_vacation"
	StateArmedCustomBypass AlarmState = "armed_custom_bypass"
	StatePending           AlarmState = "pending"
	StateTriggered         AlarmState = "triggered"
)

// alarmStateTag is the validator enum for AlarmState; keep in sync with the constants above.
const alarmStateTag = "oneof=disarmed arming armed_home armed_away armed_night armed_vacation armed_custom_bypass pending triggered"

// AllStates lists every valid AlarmState.
var AllStates = []AlarmState{
	StateDisarmed, StateArming, StateArmedHome, StateArmedAway, StateArmedNight,
	StateArmedVacation, StateArmedCustomBypass, StatePending, StateTriggered,
}

// Valid reports whether s is one of the fixed states.
func (s AlarmState) Valid() bool {
	for _, known := range AllStates {
		if s == known {
			return true
		}
	}
	return false
}

// HasCountdown reports whether a countdown may be running in this state.
func (s AlarmState) HasCountdown() bool {
	return s == StateArming || s == StatePending || s == StateTriggered
}

// IsArmed reports whether s is one of the armed_* states.
func (s AlarmState) IsArmed() bool {
	switch s {
	case StateArmedHome, StateArmedAway, StateArmedNight, StateArmedVacation, StateArmedCustomBypass:
		return true
	}
	return false
}

// Timing holds the delay/arming/trigger durations in seconds.
type Timing struct {
	DelayTime   int `json:"delayTime"`
	ArmingTime  int `json:"armingTime"`
	TriggerTime int `json:"triggerTime"`
}

// EffectiveSettings are the timings the server resolved for the current state.
type EffectiveSettings Timing

// AlarmStateSnapshot is the single authoritative alarm state row.
type AlarmStateSnapshot struct {
	ID               int64       `json:"id"`
	CurrentState     AlarmState  `json:"currentState"`
	PreviousState    *AlarmState `json:"previousState,omitempty"`
	SettingsProfile  int64       `json:"settingsProfile"`
	EnteredAt        time.Time   `json:"enteredAt"`
	ExitAt           *time.Time  `json:"exitAt,omitempty"`
	TransitionReason string      `json:"transitionReason"`
	TransitionUser   *string     `json:"transitionUser,omitempty"`
	TargetState      *AlarmState `json:"targetState,omitempty"`
	TimingSnapshot   Timing      `json:"timingSnapshot"`
}

// AlarmEvent is an immutable entry of the alarm event history.
type AlarmEvent struct {
	ID        int64          `json:"id"`
	EventType string         `json:"eventType"`
	StateFrom *AlarmState    `json:"stateFrom,omitempty"`
	StateTo   *AlarmState    `json:"stateTo,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	User      *string        `json:"user,omitempty"`
	Code      *int64         `json:"code,omitempty"`
	Sensor    *int64         `json:"sensor,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CountdownKind identifies which timer a countdown belongs to.
type CountdownKind string

const (
	CountdownEntry   CountdownKind = "entry"
	CountdownExit    CountdownKind = "exit"
	CountdownTrigger CountdownKind = "trigger"
)

// Countdown is a transient timer pushed while arming, pending or triggered.
type Countdown struct {
	Type             CountdownKind `json:"type"`
	RemainingSeconds int           `json:"remainingSeconds"`
	TotalSeconds     int           `json:"totalSeconds"`
}

// HealthStatus is the server's self-reported health.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Payload is implemented by every decoded payload variant.
type Payload interface {
	messageType() MessageType
}

// AlarmStatePayload is the payload of an alarm_state message and of REST state responses.
type AlarmStatePayload struct {
	State             AlarmStateSnapshot `json:"state"`
	EffectiveSettings EffectiveSettings  `json:"effectiveSettings"`
}

// EventPayload is the payload of an event message.
type EventPayload struct {
	Event AlarmEvent `json:"event"`
}

// CountdownPayload is the payload of a countdown message.
type CountdownPayload struct {
	Countdown
}

// HealthPayload is the payload of a health message.
type HealthPayload struct {
	Status    HealthStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

func (AlarmStatePayload) messageType() MessageType { return TypeAlarmState }
func (EventPayload) messageType() MessageType      { return TypeEvent }
func (CountdownPayload) messageType() MessageType  { return TypeCountdown }
func (HealthPayload) messageType() MessageType     { return TypeHealth }
