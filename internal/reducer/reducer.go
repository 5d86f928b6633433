// Package reducer holds the shared household-care state and the pure
// transition function every client replays events through. Apply must be
// deterministic: the same state and event always produce the same result,
// which is what keeps replicas convergent.
package reducer

import (
	"encoding/json"
	"strings"

	"github.com/doyleh/care-sync/internal/protocol"
)

type Reminder struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Time      string `json:"time,omitempty"`
	Completed bool   `json:"completed,omitempty"`
	Notified  bool   `json:"notified,omitempty"`
}

type Alert struct {
	ID        string `json:"id"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp,omitempty"`
	// Type is SOS, FALL or EMOTION.
	Type                    string `json:"type"`
	RequiresAcknowledgement bool   `json:"requiresAcknowledgement,omitempty"`
}

type Memory struct {
	ID       string `json:"id"`
	ImageURL string `json:"imageUrl"`
	Caption  string `json:"caption"`
	SharedBy string `json:"sharedBy"`
}

type EventLogItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
	Icon      string `json:"icon"`
}

type SharedQuote struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp,omitempty"`
}

type VoiceMessage struct {
	ID         string        `json:"id"`
	AudioURL   string        `json:"audioUrl"`
	Duration   float64       `json:"duration,omitempty"`
	SenderRole protocol.Role `json:"senderRole,omitempty"`
	SenderName string        `json:"senderName,omitempty"`
	Timestamp  string        `json:"timestamp,omitempty"`
}

type User struct {
	Identity string        `json:"identity"`
	Role     protocol.Role `json:"role,omitempty"`
}

type State struct {
	Reminders     []Reminder
	Alerts        []Alert
	Memories      []Memory
	EventLog      []EventLogItem
	SharedQuote   *SharedQuote
	VoiceMessages []VoiceMessage
	CurrentUser   *User
	DevMode       bool
	CurrentView   protocol.Role
}

func NewState() State {
	return State{CurrentView: protocol.RolePatient}
}

// Apply returns the state after ev. The input state is never mutated;
// unknown kinds and undecodable payloads leave it unchanged. Log-entry
// identifiers derive from the event's originId so every replica logs
// identically.
func Apply(s State, ev protocol.Event) State {
	switch ev.Kind {
	case protocol.EvAddReminder:
		var rem Reminder
		if err := json.Unmarshal(ev.Payload, &rem); err != nil {
			return s
		}
		s.Reminders = append(append([]Reminder{}, s.Reminders...), rem)
		s.EventLog = prependLog(s.EventLog, EventLogItem{
			ID:   logID(ev, rem.ID),
			Text: `Caregiver scheduled "` + rem.Title + `".`,
			Icon: "task",
		})
		return s

	case protocol.EvDeleteReminder:
		id, ok := stringPayload(ev)
		if !ok {
			return s
		}
		out := make([]Reminder, 0, len(s.Reminders))
		for _, r := range s.Reminders {
			if r.ID != id {
				out = append(out, r)
			}
		}
		s.Reminders = out
		return s

	case protocol.EvCompleteReminder:
		id, ok := stringPayload(ev)
		if !ok {
			return s
		}
		var title string
		out := make([]Reminder, len(s.Reminders))
		for i, r := range s.Reminders {
			if r.ID == id {
				title = r.Title
				r.Completed = true
			}
			out[i] = r
		}
		s.Reminders = out
		s.EventLog = prependLog(s.EventLog, EventLogItem{
			ID:   logID(ev, id),
			Text: `Patient marked "` + title + `" as complete.`,
			Icon: "reminder",
		})
		return s

	case protocol.EvMarkReminderNotified:
		id, ok := stringPayload(ev)
		if !ok {
			return s
		}
		out := make([]Reminder, len(s.Reminders))
		for i, r := range s.Reminders {
			if r.ID == id {
				r.Notified = true
			}
			out[i] = r
		}
		s.Reminders = out
		return s

	case protocol.EvTriggerSOS:
		var alert Alert
		if err := json.Unmarshal(ev.Payload, &alert); err != nil {
			return s
		}
		text := "Patient triggered an SOS alert!"
		icon := "sos"
		if alert.Type == "FALL" {
			text = "Potential fall detected!"
			icon = "fall"
		}
		if alert.Type == "SOS" || alert.Type == "FALL" {
			alert.RequiresAcknowledgement = true
		}
		s.Alerts = prependAlert(s.Alerts, alert)
		s.EventLog = prependLog(s.EventLog, EventLogItem{
			ID:        logID(ev, alert.ID),
			Text:      text,
			Timestamp: alert.Timestamp,
			Icon:      icon,
		})
		return s

	case protocol.EvAcknowledgeAlerts:
		out := make([]Alert, len(s.Alerts))
		for i, a := range s.Alerts {
			if a.Type == "SOS" || a.Type == "FALL" {
				a.RequiresAcknowledgement = false
			}
			out[i] = a
		}
		s.Alerts = out
		return s

	case protocol.EvLogEmotion:
		var p struct {
			Emotion string `json:"emotion"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Emotion == "" {
			return s
		}
		// Suppress back-to-back duplicate emotion alerts.
		if len(s.Alerts) > 0 && s.Alerts[0].Type == "EMOTION" &&
			strings.Contains(s.Alerts[0].Message, p.Emotion) {
			return s
		}
		alert := Alert{
			ID:      logID(ev, p.Emotion),
			Message: "Patient may be feeling: " + p.Emotion,
			Type:    "EMOTION",
		}
		s.Alerts = prependAlert(s.Alerts, alert)
		s.EventLog = prependLog(s.EventLog, EventLogItem{
			ID:   logID(ev, p.Emotion),
			Text: "AI companion detected emotion: " + p.Emotion + ".",
			Icon: "emotion",
		})
		return s

	case protocol.EvAddMemory:
		var mem Memory
		if err := json.Unmarshal(ev.Payload, &mem); err != nil {
			return s
		}
		s.Memories = append([]Memory{mem}, s.Memories...)
		s.EventLog = prependLog(s.EventLog, EventLogItem{
			ID:   logID(ev, mem.ID),
			Text: mem.SharedBy + " shared a new memory.",
			Icon: "memory",
		})
		return s

	case protocol.EvAddQuote:
		var q SharedQuote
		if err := json.Unmarshal(ev.Payload, &q); err != nil {
			return s
		}
		s.SharedQuote = &q
		return s

	case protocol.EvAddVoiceMessage:
		var vm VoiceMessage
		if err := json.Unmarshal(ev.Payload, &vm); err != nil {
			return s
		}
		s.VoiceMessages = append([]VoiceMessage{vm}, s.VoiceMessages...)
		return s

	case protocol.EvUpdateVoiceDuration:
		var p struct {
			ID       string  `json:"id"`
			Duration float64 `json:"duration"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return s
		}
		out := make([]VoiceMessage, len(s.VoiceMessages))
		for i, vm := range s.VoiceMessages {
			if vm.ID == p.ID {
				vm.Duration = p.Duration
			}
			out[i] = vm
		}
		s.VoiceMessages = out
		return s

	case protocol.EvLoginSuccess:
		var u User
		if err := json.Unmarshal(ev.Payload, &u); err != nil {
			return s
		}
		// Record the user but leave the current view alone; switching
		// dashboards is an explicit SET_VIEW_MODE.
		s.CurrentUser = &u
		return s

	case protocol.EvLogout:
		s.CurrentUser = nil
		return s

	case protocol.EvSetDevMode:
		var on bool
		if err := json.Unmarshal(ev.Payload, &on); err != nil {
			return s
		}
		s.DevMode = on
		return s

	case protocol.EvSetViewMode:
		var view string
		if err := json.Unmarshal(ev.Payload, &view); err != nil {
			return s
		}
		if role, ok := protocol.ParseRole(view); ok {
			s.CurrentView = role
		}
		return s

	default:
		return s
	}
}

func stringPayload(ev protocol.Event) (string, bool) {
	var s string
	if err := json.Unmarshal(ev.Payload, &s); err != nil {
		return "", false
	}
	return s, true
}

// logID keeps event-log entries deterministic across replicas by keying
// them on the event's originId rather than a local clock.
func logID(ev protocol.Event, fallback string) string {
	if ev.OriginID != "" {
		return "ev-" + ev.OriginID
	}
	return "ev-" + fallback
}

func prependLog(log []EventLogItem, item EventLogItem) []EventLogItem {
	return append([]EventLogItem{item}, log...)
}

func prependAlert(alerts []Alert, alert Alert) []Alert {
	return append([]Alert{alert}, alerts...)
}
