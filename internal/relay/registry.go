package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/protocol"
)

// DefaultRoom is the room a connection belongs to until a LOGIN says
// otherwise.
const DefaultRoom = "demo"

var ErrInvalidIdentity = errors.New("identity required")

type Msg interface{ isRegistryMsg() }

// Register adds a connection to the registry and replies with its session
// handle. The ws layer drains Session.Outbox into the socket.
type Register struct {
	Reply chan *Session
}

// Login tags a connection with an identity and room. The actor enqueues
// the LOGIN_OK (or ERROR) envelope on the session's own outbox so the
// sender gets the reply; Reply carries the validation result.
type Login struct {
	SID      string
	Identity string
	Room     string
	Reply    chan error
}

// Action fans the body out to every other session in the sender's room.
type Action struct {
	SID  string
	Body json.RawMessage
}

// Remove forgets a connection immediately. No grace period.
type Remove struct{ SID string }

// View reflects registry contents without data races. Test-only.
type View struct {
	Reply chan []SessionInfo
}

type Shutdown struct{}

func (Register) isRegistryMsg() {}
func (Login) isRegistryMsg()    {}
func (Action) isRegistryMsg()   {}
func (Remove) isRegistryMsg()   {}
func (View) isRegistryMsg()     {}
func (Shutdown) isRegistryMsg() {}

// Session is the handle returned to the ws layer. Identity and room live
// inside the registry's own map so only the actor goroutine mutates them.
type Session struct {
	ID     string
	Outbox <-chan []byte
}

type SessionInfo struct {
	ID       string
	Identity string
	Room     string
}

type session struct {
	id       string
	identity string
	room     string
	outbox   chan []byte
}

// enqueue is best-effort: a full outbox means the peer's writer is stuck,
// and one slow peer must never stall fan-out to the rest.
func (s *session) enqueue(data []byte) bool {
	select {
	case s.outbox <- data:
		return true
	default:
		return false
	}
}

// Registry is the single owner of the live-connection map. All access
// goes through the inbox; nothing outside this package ever iterates it.
type Registry struct {
	inbox    chan Msg
	sessions map[string]*session
	ctx      context.Context
	cancel   context.CancelFunc
	log      *zap.Logger
}

func NewRegistry(parent context.Context, log *zap.Logger) *Registry {
	ctx, cancel := context.WithCancel(parent)
	r := &Registry{
		inbox:    make(chan Msg, 64),
		sessions: make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
		log:      log,
	}
	go r.loop()
	return r
}

func (r *Registry) Inbox() chan<- Msg { return r.inbox }

func (r *Registry) loop() {
	for {
		select {
		case <-r.ctx.Done():
			r.shutdown()
			return

		case m := <-r.inbox:
			switch msg := m.(type) {
			case Register:
				s := &session{
					id:     uuid.NewString(),
					room:   DefaultRoom,
					outbox: make(chan []byte, 16),
				}
				r.sessions[s.id] = s
				r.log.Debug("session registered", zap.String("sid", s.id))
				msg.Reply <- &Session{ID: s.id, Outbox: s.outbox}

			case Login:
				r.handleLogin(msg)

			case Action:
				r.fanOut(msg.SID, msg.Body)

			case Remove:
				if s := r.sessions[msg.SID]; s != nil {
					delete(r.sessions, msg.SID)
					close(s.outbox)
					r.log.Debug("session removed", zap.String("sid", msg.SID))
				}

			case View:
				infos := make([]SessionInfo, 0, len(r.sessions))
				for _, s := range r.sessions {
					infos = append(infos, SessionInfo{ID: s.id, Identity: s.identity, Room: s.room})
				}
				msg.Reply <- infos

			case Shutdown:
				r.shutdown()
				r.cancel()
				return
			}
		}
	}
}

func (r *Registry) handleLogin(msg Login) {
	s := r.sessions[msg.SID]
	if s == nil {
		if msg.Reply != nil {
			msg.Reply <- errors.New("unknown session")
		}
		return
	}
	if msg.Identity == "" {
		// Reject but keep the connection: the client may retry the login.
		s.enqueue(protocol.Encode(protocol.NewError("identity required")))
		if msg.Reply != nil {
			msg.Reply <- ErrInvalidIdentity
		}
		return
	}
	s.identity = msg.Identity
	if msg.Room != "" {
		s.room = msg.Room
	}
	s.enqueue(protocol.Encode(protocol.NewLoginOK(s.identity, s.room)))
	r.log.Info("login", zap.String("identity", s.identity), zap.String("room", s.room))
	if msg.Reply != nil {
		msg.Reply <- nil
	}
}

// fanOut sends the action body, unchanged, to every other session in the
// sender's room. Best-effort per recipient.
func (r *Registry) fanOut(sid string, body json.RawMessage) {
	from := r.sessions[sid]
	if from == nil {
		return
	}
	data := protocol.Encode(protocol.Envelope{Kind: protocol.KindAction, Payload: body})
	sent := 0
	for _, s := range r.sessions {
		if s.id == sid || s.room != from.room {
			continue
		}
		if s.enqueue(data) {
			sent++
		} else {
			r.log.Warn("recipient outbox full, dropping action",
				zap.String("sid", s.id), zap.String("room", s.room))
		}
	}
	r.log.Debug("fan-out", zap.String("room", from.room), zap.Int("recipients", sent))
}

func (r *Registry) shutdown() {
	for id, s := range r.sessions {
		close(s.outbox)
		delete(r.sessions, id)
	}
}
