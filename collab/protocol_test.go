package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestClientMessageCodec(t *testing.T) {
	userId := NewId()

	b, err := EncodeClientMessage(&Auth{
		Token:  "token-1",
		UserId: userId,
	})
	assert.Equal(t, err, nil)

	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	auth, ok := decoded.(*Auth)
	assert.Equal(t, ok, true)
	assert.Equal(t, auth.Token, "token-1")
	assert.Equal(t, auth.UserId, userId)

	b, err = EncodeClientMessage(&Update{
		Fragment: []byte{0x00, 0x01, 0xfe},
	})
	assert.Equal(t, err, nil)
	decoded, err = DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	update, ok := decoded.(*Update)
	assert.Equal(t, ok, true)
	assert.Equal(t, update.Fragment, []byte{0x00, 0x01, 0xfe})
}

func TestServerMessageCodec(t *testing.T) {
	clientId := NewId()

	b, err := EncodeServerMessage(&InitialState{
		ClientId: clientId,
		State:    []byte("snapshot"),
	})
	assert.Equal(t, err, nil)

	decoded, err := DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	initialState, ok := decoded.(*InitialState)
	assert.Equal(t, ok, true)
	assert.Equal(t, initialState.ClientId, clientId)
	assert.Equal(t, initialState.State, []byte("snapshot"))

	b, err = EncodeServerMessage(&RemoteCursor{
		ClientId: clientId,
		Position: 12,
		Selection: &Range{
			Start: 4,
			End:   12,
		},
	})
	assert.Equal(t, err, nil)
	decoded, err = DecodeServerMessage(b)
	assert.Equal(t, err, nil)
	cursor, ok := decoded.(*RemoteCursor)
	assert.Equal(t, ok, true)
	assert.Equal(t, cursor.Position, 12)
	assert.Equal(t, cursor.Selection.End, 12)
}

func TestUnknownMessageType(t *testing.T) {
	_, err := DecodeServerMessage([]byte(`{"type":"shiny_new_feature","body":{}}`))
	assert.Equal(t, err, ErrUnknownMessage)

	_, err = DecodeClientMessage([]byte(`{"type":"shiny_new_feature"}`))
	assert.Equal(t, err, ErrUnknownMessage)

	// malformed json is an error, not a panic
	_, err = DecodeServerMessage([]byte("{"))
	assert.NotEqual(t, err, nil)
}

func TestEmptyBodyMessages(t *testing.T) {
	b, err := EncodeClientMessage(&Ping{})
	assert.Equal(t, err, nil)
	decoded, err := DecodeClientMessage(b)
	assert.Equal(t, err, nil)
	_, ok := decoded.(*Ping)
	assert.Equal(t, ok, true)
}
