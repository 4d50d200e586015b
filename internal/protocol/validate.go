package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrUnknownType is returned for envelopes whose type has no decoder.
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned for envelopes or payloads that fail structural checks.
	ErrMalformed = errors.New("malformed message")
)

// ValidationError describes why a frame or payload was rejected.
type ValidationError struct {
	Type   MessageType
	Field  string // json path of the offending field, empty for whole-value errors
	Reason string
	Err    error // ErrUnknownType or ErrMalformed
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("protocol")
	if e.Type != "" {
		b.WriteString(": ")
		b.WriteString(string(e.Type))
	}
	if e.Field != "" {
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// decodeFunc turns an untrusted payload into a typed one. Must not panic.
type decodeFunc func(raw json.RawMessage) (Payload, error)

var decoders = map[MessageType]decodeFunc{
	TypeAlarmState: func(raw json.RawMessage) (Payload, error) { return DecodeAlarmState(raw) },
	TypeEvent:      decodeEventPayload,
	TypeCountdown:  decodeCountdown,
	TypeHealth:     decodeHealth,
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterAlias("alarmstate", alarmStateTag)
	v.RegisterAlias("countdownkind", "oneof=entry exit trigger")
	v.RegisterAlias("healthstatus", "oneof=healthy degraded unhealthy")
	return v
}

// Decode parses one websocket frame into a validated Message.
// It never panics; every failure is returned as a *ValidationError.
func Decode(raw []byte) (msg Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg = Message{}
			err = &ValidationError{Reason: fmt.Sprintf("decoder panic: %v", r), Err: ErrMalformed}
		}
	}()

	var env struct {
		Type      *string         `json:"type" validate:"required,min=1"`
		Timestamp *time.Time      `json:"timestamp"`
		Sequence  *int64          `json:"sequence" validate:"omitempty,gte=0"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, &ValidationError{Reason: "invalid envelope: " + err.Error(), Err: ErrMalformed}
	}
	if err := validate.Struct(&env); err != nil {
		return Message{}, structError("", err)
	}

	msgType := MessageType(*env.Type)
	decode, ok := decoders[msgType]
	if !ok {
		return Message{}, &ValidationError{Type: msgType, Reason: "no decoder registered", Err: ErrUnknownType}
	}
	if isEmpty(env.Payload) {
		return Message{}, &ValidationError{Type: msgType, Field: "payload", Reason: "required", Err: ErrMalformed}
	}

	payload, err := decode(env.Payload)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) && verr.Type == "" {
			verr.Type = msgType
		}
		return Message{}, err
	}

	msg = Message{Type: msgType, Payload: payload}
	if env.Timestamp != nil {
		msg.Timestamp = *env.Timestamp
	}
	if env.Sequence != nil {
		msg.Sequence = *env.Sequence
	}
	return msg, nil
}

type wireTiming struct {
	DelayTime   *int `json:"delayTime" validate:"required,gte=0"`
	ArmingTime  *int `json:"armingTime" validate:"required,gte=0"`
	TriggerTime *int `json:"triggerTime" validate:"required,gte=0"`
}

func (w *wireTiming) timing() Timing {
	return Timing{DelayTime: *w.DelayTime, ArmingTime: *w.ArmingTime, TriggerTime: *w.TriggerTime}
}

type wireSnapshot struct {
	ID               *int64      `json:"id" validate:"required"`
	CurrentState     *string     `json:"currentState" validate:"required,alarmstate"`
	PreviousState    *string     `json:"previousState" validate:"omitempty,alarmstate"`
	SettingsProfile  *int64      `json:"settingsProfile" validate:"required"`
	EnteredAt        *time.Time  `json:"enteredAt" validate:"required"`
	ExitAt           *time.Time  `json:"exitAt"`
	TransitionReason *string     `json:"transitionReason" validate:"required"`
	TransitionUser   *string     `json:"transitionUser"`
	TargetState      *string     `json:"targetState" validate:"omitempty,alarmstate"`
	TimingSnapshot   *wireTiming `json:"timingSnapshot" validate:"required"`
}

type wireAlarmState struct {
	State             *wireSnapshot `json:"state" validate:"required"`
	EffectiveSettings *wireTiming   `json:"effectiveSettings" validate:"required"`
}

// DecodeAlarmState validates an alarm_state payload. REST state and mutation
// responses share this shape.
func DecodeAlarmState(raw json.RawMessage) (AlarmStatePayload, error) {
	var w wireAlarmState
	if err := decodeStrict(TypeAlarmState, raw, &w); err != nil {
		return AlarmStatePayload{}, err
	}
	s := w.State
	snap := AlarmStateSnapshot{
		ID:               *s.ID,
		CurrentState:     AlarmState(*s.CurrentState),
		PreviousState:    statePtr(s.PreviousState),
		SettingsProfile:  *s.SettingsProfile,
		EnteredAt:        *s.EnteredAt,
		ExitAt:           s.ExitAt,
		TransitionReason: *s.TransitionReason,
		TransitionUser:   s.TransitionUser,
		TargetState:      statePtr(s.TargetState),
		TimingSnapshot:   s.TimingSnapshot.timing(),
	}
	return AlarmStatePayload{
		State:             snap,
		EffectiveSettings: EffectiveSettings(w.EffectiveSettings.timing()),
	}, nil
}

type wireEvent struct {
	ID        *int64         `json:"id" validate:"required"`
	EventType *string        `json:"eventType" validate:"required,min=1"`
	StateFrom *string        `json:"stateFrom" validate:"omitempty,alarmstate"`
	StateTo   *string        `json:"stateTo" validate:"omitempty,alarmstate"`
	Timestamp *time.Time     `json:"timestamp" validate:"required"`
	User      *string        `json:"user"`
	Code      *int64         `json:"code"`
	Sensor    *int64         `json:"sensor"`
	Metadata  map[string]any `json:"metadata"`
}

func (w *wireEvent) event() AlarmEvent {
	return AlarmEvent{
		ID:        *w.ID,
		EventType: *w.EventType,
		StateFrom: statePtr(w.StateFrom),
		StateTo:   statePtr(w.StateTo),
		Timestamp: *w.Timestamp,
		User:      w.User,
		Code:      w.Code,
		Sensor:    w.Sensor,
		Metadata:  w.Metadata,
	}
}

func decodeEventPayload(raw json.RawMessage) (Payload, error) {
	var w struct {
		Event *wireEvent `json:"event" validate:"required"`
	}
	if err := decodeStrict(TypeEvent, raw, &w); err != nil {
		return nil, err
	}
	return EventPayload{Event: w.Event.event()}, nil
}

// DecodeEvent validates a bare AlarmEvent object.
func DecodeEvent(raw json.RawMessage) (AlarmEvent, error) {
	var w wireEvent
	if err := decodeStrict(TypeEvent, raw, &w); err != nil {
		return AlarmEvent{}, err
	}
	return w.event(), nil
}

// DecodeEvents validates a JSON array of AlarmEvent objects. One bad entry
// rejects the whole list.
func DecodeEvents(raw json.RawMessage) ([]AlarmEvent, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &ValidationError{Type: TypeEvent, Reason: "expected array: " + err.Error(), Err: ErrMalformed}
	}
	events := make([]AlarmEvent, 0, len(items))
	for i, item := range items {
		ev, err := DecodeEvent(item)
		if err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				verr.Field = fmt.Sprintf("[%d].%s", i, verr.Field)
			}
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeCountdown(raw json.RawMessage) (Payload, error) {
	var w struct {
		Type             *string `json:"type" validate:"required,countdownkind"`
		RemainingSeconds *int    `json:"remainingSeconds" validate:"required,gte=0"`
		TotalSeconds     *int    `json:"totalSeconds" validate:"required,gte=0"`
	}
	if err := decodeStrict(TypeCountdown, raw, &w); err != nil {
		return nil, err
	}
	if *w.RemainingSeconds > *w.TotalSeconds {
		return nil, &ValidationError{
			Type:   TypeCountdown,
			Field:  "remainingSeconds",
			Reason: "exceeds totalSeconds",
			Err:    ErrMalformed,
		}
	}
	return CountdownPayload{Countdown{
		Type:             CountdownKind(*w.Type),
		RemainingSeconds: *w.RemainingSeconds,
		TotalSeconds:     *w.TotalSeconds,
	}}, nil
}

func decodeHealth(raw json.RawMessage) (Payload, error) {
	var w struct {
		Status    *string    `json:"status" validate:"required,healthstatus"`
		Timestamp *time.Time `json:"timestamp" validate:"required"`
	}
	if err := decodeStrict(TypeHealth, raw, &w); err != nil {
		return nil, err
	}
	return HealthPayload{Status: HealthStatus(*w.Status), Timestamp: *w.Timestamp}, nil
}

// decodeStrict unmarshals raw into target (a pointer to a wire struct) and
// runs the struct validator over it.
func decodeStrict(msgType MessageType, raw json.RawMessage, target any) error {
	if isEmpty(raw) {
		return &ValidationError{Type: msgType, Reason: "empty payload", Err: ErrMalformed}
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return &ValidationError{Type: msgType, Reason: "invalid payload: " + err.Error(), Err: ErrMalformed}
	}
	if err := validate.Struct(target); err != nil {
		return structError(msgType, err)
	}
	return nil
}

func structError(msgType MessageType, err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &ValidationError{
			Type:   msgType,
			Field:  fieldPath(fe.Namespace()),
			Reason: fe.Tag(),
			Err:    ErrMalformed,
		}
	}
	return &ValidationError{Type: msgType, Reason: err.Error(), Err: ErrMalformed}
}

// fieldPath drops the wire struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}

func isEmpty(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func statePtr(s *string) *AlarmState {
	if s == nil {
		return nil
	}
	st := AlarmState(*s)
	return &st
}
