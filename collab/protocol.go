package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// wire protocol for the session relay. each message is a tagged record.
// binary doc fragments ride inside the json envelope as base64 text.
// unknown tags decode to `ErrUnknownMessage` and receivers skip them,
// so old clients keep working against newer relays.

var ErrUnknownMessage = fmt.Errorf("unknown message type")

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

type PresenceState string

const (
	PresenceActive   PresenceState = "active"
	PresenceInactive PresenceState = "inactive"
	PresenceAway     PresenceState = "away"
)

type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type Participant struct {
	ClientId  Id            `json:"clientId"`
	UserId    Id            `json:"userId"`
	Username  string        `json:"username"`
	Color     string        `json:"color"`
	Position  int           `json:"position"`
	Selection *Range        `json:"selection,omitempty"`
	State     PresenceState `json:"state"`
	JoinTime  time.Time     `json:"joinTime"`
}

// client -> server

type Auth struct {
	Token  string `json:"token"`
	UserId Id     `json:"userId"`
}

type JoinSession struct {
	SessionId string `json:"sessionId"`
	Username  string `json:"username"`
}

type Update struct {
	Fragment []byte `json:"fragment"`
}

type Cursor struct {
	Position  int    `json:"position"`
	Selection *Range `json:"selection,omitempty"`
}

type Presence struct {
	State PresenceState `json:"state"`
}

type Comment struct {
	Text     string `json:"text"`
	Position *int   `json:"position,omitempty"`
	Range    *Range `json:"range,omitempty"`
}

type Ping struct{}

type LeaveSession struct{}

// server -> client

type Welcome struct{}

type AuthSuccess struct{}

type AuthError struct {
	Message string `json:"message"`
}

type InitialState struct {
	ClientId Id     `json:"clientId"`
	State    []byte `json:"state"`
}

type Roster struct {
	Clients []Participant `json:"clients"`
}

type ParticipantJoined struct {
	ClientId Id     `json:"clientId"`
	UserId   Id     `json:"userId"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

type ParticipantLeft struct {
	ClientId Id `json:"clientId"`
}

type RemoteCursor struct {
	ClientId  Id     `json:"clientId"`
	Position  int    `json:"position"`
	Selection *Range `json:"selection,omitempty"`
}

type RemotePresence struct {
	ClientId Id            `json:"clientId"`
	State    PresenceState `json:"state"`
}

type RemoteComment struct {
	ClientId   Id        `json:"clientId"`
	Text       string    `json:"text"`
	Position   *int      `json:"position,omitempty"`
	Range      *Range    `json:"range,omitempty"`
	CreateTime time.Time `json:"createTime"`
}

type ErrorMessage struct {
	Message string `json:"message"`
}

func EncodeClientMessage(message any) ([]byte, error) {
	var tag string
	switch message.(type) {
	case *Auth:
		tag = "auth"
	case *JoinSession:
		tag = "join_session"
	case *Update:
		tag = "update"
	case *Cursor:
		tag = "cursor"
	case *Presence:
		tag = "presence"
	case *Comment:
		tag = "comment"
	case *Ping:
		tag = "ping"
	case *LeaveSession:
		tag = "leave_session"
	default:
		return nil, fmt.Errorf("unknown client message type: %T", message)
	}
	return encodeEnvelope(tag, message)
}

func DecodeClientMessage(b []byte) (any, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	var message any
	switch e.Type {
	case "auth":
		message = &Auth{}
	case "join_session":
		message = &JoinSession{}
	case "update":
		message = &Update{}
	case "cursor":
		message = &Cursor{}
	case "presence":
		message = &Presence{}
	case "comment":
		message = &Comment{}
	case "ping":
		message = &Ping{}
	case "leave_session":
		message = &LeaveSession{}
	default:
		return nil, ErrUnknownMessage
	}
	if err := decodeBody(e.Body, message); err != nil {
		return nil, err
	}
	return message, nil
}

func EncodeServerMessage(message any) ([]byte, error) {
	var tag string
	switch message.(type) {
	case *Welcome:
		tag = "welcome"
	case *AuthSuccess:
		tag = "auth_success"
	case *AuthError:
		tag = "auth_error"
	case *InitialState:
		tag = "initial_state"
	case *Roster:
		tag = "roster"
	case *ParticipantJoined:
		tag = "participant_joined"
	case *ParticipantLeft:
		tag = "participant_left"
	case *Update:
		tag = "update"
	case *RemoteCursor:
		tag = "cursor"
	case *RemotePresence:
		tag = "presence"
	case *RemoteComment:
		tag = "comment"
	case *ErrorMessage:
		tag = "error"
	default:
		return nil, fmt.Errorf("unknown server message type: %T", message)
	}
	return encodeEnvelope(tag, message)
}

func DecodeServerMessage(b []byte) (any, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	var message any
	switch e.Type {
	case "welcome":
		message = &Welcome{}
	case "auth_success":
		message = &AuthSuccess{}
	case "auth_error":
		message = &AuthError{}
	case "initial_state":
		message = &InitialState{}
	case "roster":
		message = &Roster{}
	case "participant_joined":
		message = &ParticipantJoined{}
	case "participant_left":
		message = &ParticipantLeft{}
	case "update":
		message = &Update{}
	case "cursor":
		message = &RemoteCursor{}
	case "presence":
		message = &RemotePresence{}
	case "comment":
		message = &RemoteComment{}
	case "error":
		message = &ErrorMessage{}
	default:
		return nil, ErrUnknownMessage
	}
	if err := decodeBody(e.Body, message); err != nil {
		return nil, err
	}
	return message, nil
}

func encodeEnvelope(tag string, message any) ([]byte, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&envelope{
		Type: tag,
		Body: body,
	})
}

func decodeBody(body json.RawMessage, message any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, message)
}

func RequireEncodeClientMessage(message any) []byte {
	b, err := EncodeClientMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}

func RequireEncodeServerMessage(message any) []byte {
	b, err := EncodeServerMessage(message)
	if err != nil {
		panic(err)
	}
	return b
}
