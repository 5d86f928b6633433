package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Envelope kinds. One JSON object per websocket message.
const (
	KindLogin   = "LOGIN"
	KindLoginOK = "LOGIN_OK"
	KindAction  = "ACTION"
	KindError   = "ERROR"
)

var ErrMalformedEnvelope = errors.New("malformed envelope")

type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type LoginPayload struct {
	Identity string `json:"identity"`
	// Secret is carried but never validated anywhere. Demo trust model.
	Secret string `json:"secret,omitempty"`
	Room   string `json:"room,omitempty"`
}

type LoginOKPayload struct {
	Identity string `json:"identity"`
	Room     string `json:"room"`
}

func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Kind == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	return env, nil
}

func NewLogin(identity, secret, room string) Envelope {
	payload, _ := json.Marshal(LoginPayload{Identity: identity, Secret: secret, Room: room})
	return Envelope{Kind: KindLogin, Payload: payload}
}

func NewLoginOK(identity, room string) Envelope {
	payload, _ := json.Marshal(LoginOKPayload{Identity: identity, Room: room})
	return Envelope{Kind: KindLoginOK, Payload: payload}
}

func NewAction(ev Event) Envelope {
	payload, _ := json.Marshal(ev)
	return Envelope{Kind: KindAction, Payload: payload}
}

func NewError(reason string) Envelope {
	payload, _ := json.Marshal(reason)
	return Envelope{Kind: KindError, Payload: payload}
}

// Encode marshals an envelope for the wire. Envelopes built through the
// constructors above cannot fail to marshal.
func Encode(env Envelope) []byte {
	data, _ := json.Marshal(env)
	return data
}
