package protocol

import "encoding/json"

// Role is a dashboard role. View-mode values are the same strings, so a
// client's current view can be compared against a message's sender role
// directly.
type Role string

const (
	RolePatient   Role = "PATIENT"
	RoleCaregiver Role = "CAREGIVER"
	RoleFamily    Role = "FAMILY"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RolePatient, RoleCaregiver, RoleFamily:
		return Role(s), true
	default:
		return "", false
	}
}

// Event kinds. Shared domain events propagate through the relay; the
// view-local kinds (view mode, login marker, dev toggle) never leave the
// client that dispatched them.
const (
	EvAddReminder          = "ADD_REMINDER"
	EvDeleteReminder       = "DELETE_REMINDER"
	EvCompleteReminder     = "COMPLETE_REMINDER"
	EvMarkReminderNotified = "MARK_REMINDER_NOTIFIED"
	EvTriggerSOS           = "TRIGGER_SOS"
	EvAddMemory            = "ADD_MEMORY"
	EvAddQuote             = "ADD_QUOTE"
	EvAddVoiceMessage      = "ADD_VOICE_MESSAGE"
	EvUpdateVoiceDuration  = "UPDATE_VOICE_MESSAGE_DURATION"
	EvLogEmotion           = "LOG_EMOTION"
	EvAcknowledgeAlerts    = "ACKNOWLEDGE_ALERTS"
	EvLogout               = "LOGOUT"

	EvSetViewMode  = "SET_VIEW_MODE"
	EvLoginSuccess = "LOGIN_SUCCESS"
	EvSetDevMode   = "SET_DEV_MODE"
)

// Event is the body of an ACTION envelope: an open discriminated record.
// OriginID is assigned once at first local dispatch and never changes
// afterward; it is what duplicate suppression keys on.
type Event struct {
	Kind     string          `json:"kind"`
	OriginID string          `json:"originId,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func NewEvent(kind string, payload any) (Event, error) {
	ev := Event{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// SenderRole extracts the senderRole field from the payload, if any.
// Returns "" when the payload has none or is not an object.
func (e Event) SenderRole() Role {
	if len(e.Payload) == 0 {
		return ""
	}
	var p struct {
		SenderRole Role `json:"senderRole"`
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return ""
	}
	return p.SenderRole
}

// WithSenderRole returns a copy of the event whose payload carries the
// given senderRole, preserving all other payload fields.
func (e Event) WithSenderRole(role Role) (Event, error) {
	fields := map[string]any{}
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return Event{}, err
		}
	}
	fields["senderRole"] = role
	raw, err := json.Marshal(fields)
	if err != nil {
		return Event{}, err
	}
	e.Payload = raw
	return e, nil
}
