// Package policy decides, per event kind and viewing role, which remote
// events get replayed into local state. The relay is role-agnostic and
// broadcasts everything in a room; all asymmetric routing lives here.
package policy

import (
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/protocol"
)

// Applier applies an event to local state. Local and remote events go
// through the same Applier, so both produce identical state transitions.
type Applier interface {
	Apply(ev protocol.Event)
}

// Sender propagates an event to the relay. *client.Transport satisfies it.
type Sender interface {
	SendAction(ev protocol.Event)
}

// ViewContext is the caller's current dashboard context, passed
// explicitly on every dispatch rather than read from ambient state.
type ViewContext struct {
	View     protocol.Role // which dashboard is on screen
	Identity string
	Role     protocol.Role // explicit role of the logged-in identity, may be ""
}

// viewLocal kinds are applied locally and never transmitted; if one
// arrives from the network anyway it is discarded.
var viewLocal = map[string]bool{
	protocol.EvSetViewMode:  true,
	protocol.EvLoginSuccess: true,
	protocol.EvSetDevMode:   true,
}

type Dispatcher struct {
	sender Sender
	store  Applier
	seen   *cache.Cache
	log    *zap.Logger
	newID  func() string
}

type Option func(*Dispatcher)

// WithSeenTTL bounds the seen-origins set for long-lived clients. The
// default keeps entries for the whole session.
func WithSeenTTL(ttl, sweep time.Duration) Option {
	return func(d *Dispatcher) { d.seen = cache.New(ttl, sweep) }
}

// WithIDFunc overrides originId generation. Tests make it deterministic.
func WithIDFunc(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

func NewDispatcher(sender Sender, store Applier, log *zap.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender: sender,
		store:  store,
		seen:   cache.New(cache.NoExpiration, 0),
		log:    log,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchLocal handles an event originated on this client: derive the
// missing sender role for voice messages, tag an originId, forward to the
// relay, and always apply locally. Role rules gate only remote events.
func (d *Dispatcher) DispatchLocal(vc ViewContext, ev protocol.Event) {
	if viewLocal[ev.Kind] {
		d.store.Apply(ev)
		return
	}

	if ev.Kind == protocol.EvAddVoiceMessage && ev.SenderRole() == "" {
		patched, err := ev.WithSenderRole(deriveSenderRole(vc))
		if err != nil {
			d.log.Warn("failed to derive sender role", zap.Error(err))
		} else {
			ev = patched
		}
	}

	if ev.OriginID == "" {
		ev.OriginID = d.newID()
	}
	// Record our own origin so a looped-back copy counts as already
	// applied and is suppressed in OnRemote.
	d.seen.Set(ev.OriginID, struct{}{}, cache.DefaultExpiration)

	d.sender.SendAction(ev)
	d.store.Apply(ev)
}

// OnRemote handles an event delivered by the transport: suppress
// duplicates by originId, then run the inclusion rule before applying.
func (d *Dispatcher) OnRemote(vc ViewContext, ev protocol.Event) {
	if ev.OriginID != "" {
		if _, dup := d.seen.Get(ev.OriginID); dup {
			return
		}
		d.seen.Set(ev.OriginID, struct{}{}, cache.DefaultExpiration)
	}
	if !d.include(vc, ev) {
		return
	}
	d.store.Apply(ev)
}

// deriveSenderRole prefers the logged-in identity's explicit role, then
// the current view, then family as the hard default.
func deriveSenderRole(vc ViewContext) protocol.Role {
	if vc.Role != "" {
		return vc.Role
	}
	if vc.View != "" {
		return vc.View
	}
	return protocol.RoleFamily
}

// include is the inclusion rule: kind x local role -> apply or skip.
func (d *Dispatcher) include(vc ViewContext, ev protocol.Event) bool {
	switch ev.Kind {
	case protocol.EvSetViewMode, protocol.EvLoginSuccess, protocol.EvSetDevMode:
		// Should never arrive; discard if one does.
		return false

	case protocol.EvTriggerSOS:
		// The originating patient view does not re-apply its own alert.
		return vc.View == protocol.RoleCaregiver || vc.View == protocol.RoleFamily

	case protocol.EvAddReminder, protocol.EvDeleteReminder,
		protocol.EvMarkReminderNotified, protocol.EvCompleteReminder:
		// Reminders are globally shared state.
		return true

	case protocol.EvAddVoiceMessage:
		// Voice messages cross the patient boundary, never sideways.
		switch ev.SenderRole() {
		case protocol.RoleFamily, protocol.RoleCaregiver:
			return vc.View == protocol.RolePatient
		case protocol.RolePatient:
			return vc.View == protocol.RoleCaregiver || vc.View == protocol.RoleFamily
		default:
			return false
		}

	case protocol.EvAddMemory, protocol.EvAddQuote:
		return vc.View == protocol.RolePatient

	case protocol.EvUpdateVoiceDuration, protocol.EvLogEmotion,
		protocol.EvAcknowledgeAlerts, protocol.EvLogout:
		return true

	default:
		// Fail open so a kind added to a newer client build still
		// propagates, but make it visible.
		d.log.Warn("unexpected event kind, applying everywhere", zap.String("kind", ev.Kind))
		return true
	}
}
