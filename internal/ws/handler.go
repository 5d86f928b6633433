package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/doyleh/care-sync/internal/protocol"
	"github.com/doyleh/care-sync/internal/relay"
)

const writeTimeout = 3 * time.Second

// Handler upgrades the request, registers the connection with the
// registry, and pumps envelopes in both directions until the peer goes
// away. Nothing in here is fatal to the process: malformed input is
// dropped and the connection stays open.
func Handler(reg *relay.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Demo clients connect from arbitrary dev origins.
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		reply := make(chan *relay.Session, 1)
		reg.Inbox() <- relay.Register{Reply: reply}
		sess := <-reply
		defer func() { reg.Inbox() <- relay.Remove{SID: sess.ID} }()

		// Writer goroutine: drains the session outbox into the socket.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for payload := range sess.Outbox {
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				_ = conn.Write(ctx, websocket.MessageText, payload)
				cancel()
			}
		}()

		// Reader loop.
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				// Registry removal happens in the defer either way.
				return
			}

			env, err := protocol.DecodeEnvelope(data)
			if err != nil {
				log.Warn("dropping malformed envelope", zap.Error(err), zap.String("sid", sess.ID))
				continue
			}

			switch env.Kind {
			case protocol.KindLogin:
				var p protocol.LoginPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					log.Warn("dropping malformed login", zap.Error(err), zap.String("sid", sess.ID))
					continue
				}
				errReply := make(chan error, 1)
				reg.Inbox() <- relay.Login{SID: sess.ID, Identity: p.Identity, Room: p.Room, Reply: errReply}
				if err := <-errReply; errors.Is(err, relay.ErrInvalidIdentity) {
					log.Info("login rejected", zap.String("sid", sess.ID))
				}

			case protocol.KindAction:
				reg.Inbox() <- relay.Action{SID: sess.ID, Body: env.Payload}

			default:
				log.Warn("dropping envelope of unexpected kind",
					zap.String("kind", env.Kind), zap.String("sid", sess.ID))
			}
		}
	}
}
