package collab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func testEngineSettings() *EngineSettings {
	return &EngineSettings{
		Url:          "pipe://test",
		PingInterval: 1 * time.Hour,
		Reconnect: &ReconnectSettings{
			BaseDelay:   5 * time.Millisecond,
			MaxDelay:    40 * time.Millisecond,
			MaxAttempts: 3,
		},
		Clock: SystemClock(),
	}
}

func waitFor(t *testing.T, condition func() bool) {
	end := time.Now().Add(5 * time.Second)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timeout waiting for condition")
}

// a relay stand-in scripted for engine tests. speaks the server side of
// the handshake over pipe channels and records what the engine sends.
type scriptedRelay struct {
	doc *Doc

	authError bool
	dialError bool

	dialCount atomic.Int32

	mutex          sync.Mutex
	serverChannels []Channel

	received chan any
}

func newScriptedRelay() *scriptedRelay {
	return &scriptedRelay{
		doc:      NewDoc(),
		received: make(chan any, 256),
	}
}

func (self *scriptedRelay) dial() ChannelDialFunc {
	return func(ctx context.Context, url string) (Channel, error) {
		self.dialCount.Add(1)
		if self.dialError {
			return nil, errors.New("dial refused")
		}
		client, server := NewPipeChannel(ctx)
		self.mutex.Lock()
		self.serverChannels = append(self.serverChannels, server)
		self.mutex.Unlock()
		go self.serve(server)
		return client, nil
	}
}

func (self *scriptedRelay) serve(channel Channel) {
	channel.Send(RequireEncodeServerMessage(&Welcome{}))

	for {
		var message []byte
		select {
		case message = <-channel.Receive():
		default:
			select {
			case <-channel.Done():
				// drain anything delivered before teardown
				select {
				case message = <-channel.Receive():
				default:
					return
				}
			case message = <-channel.Receive():
			}
		}
		if message == nil {
			return
		}

		decoded, err := DecodeClientMessage(message)
		if err != nil {
			continue
		}

		switch m := decoded.(type) {
		case *Auth:
			if self.authError {
				channel.Send(RequireEncodeServerMessage(&AuthError{
					Message: "invalid credentials",
				}))
			} else {
				channel.Send(RequireEncodeServerMessage(&AuthSuccess{}))
			}
		case *JoinSession:
			snapshot, _ := self.doc.Snapshot()
			channel.Send(RequireEncodeServerMessage(&InitialState{
				ClientId: NewId(),
				State:    snapshot,
			}))
			channel.Send(RequireEncodeServerMessage(&Roster{
				Clients: []Participant{},
			}))
		case *Update:
			self.doc.ApplyRemote(m.Fragment)
			self.record(m)
		case *Ping:
		default:
			self.record(decoded)
		}
	}
}

func (self *scriptedRelay) record(message any) {
	select {
	case self.received <- message:
	default:
	}
}

func (self *scriptedRelay) sendToClient(message any) {
	self.mutex.Lock()
	channel := self.serverChannels[len(self.serverChannels)-1]
	self.mutex.Unlock()
	channel.Send(RequireEncodeServerMessage(message))
}

func (self *scriptedRelay) killConnections() {
	self.mutex.Lock()
	channels := self.serverChannels
	self.serverChannels = nil
	self.mutex.Unlock()
	for _, channel := range channels {
		channel.Close()
	}
}

func (self *scriptedRelay) text() string {
	return self.doc.Value().Text
}

func TestEngineHandshakeAndJoin(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")

	waitFor(t, func() bool {
		return engine.State().Joined
	})

	state := engine.State()
	assert.Equal(t, state.Phase, StateJoined)
	assert.Equal(t, state.Authenticated, true)
	assert.NotEqual(t, state.ClientId, Id{})
	assert.Equal(t, state.Supervisor, SupervisorActive)
	assert.Equal(t, state.ErrorMessage, "")
}

func TestEngineNoEditLossBeforeJoin(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	doc := NewDoc()

	// edits made while disconnected are captured locally
	doc.InsertText(0, "offline edit")

	engine := NewEngine(ctx, doc, relay.dial(), testEngineSettings())
	defer engine.Close()
	engine.Connect("S1", "token-1", NewId(), "ada")

	// and delivered by the join flush without resubmission
	waitFor(t, func() bool {
		return relay.text() == "offline edit"
	})
}

func TestEngineAuthErrorTerminal(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	relay.authError = true
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "bad-token", NewId(), "ada")

	waitFor(t, func() bool {
		state := engine.State()
		return state.Phase == StateDisconnected && state.ErrorMessage != ""
	})

	// a credential failure never schedules a retry
	time.Sleep(10 * testEngineSettings().Reconnect.BaseDelay)
	assert.Equal(t, relay.dialCount.Load(), int32(1))
	assert.Equal(t, engine.State().Supervisor, SupervisorIdle)
}

func TestEngineReconnectsOnChannelLoss(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	doc := NewDoc()
	engine := NewEngine(ctx, doc, relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	relay.killConnections()

	// edits during the outage stay pending
	doc.InsertText(0, "during outage")
	engine.SyncLocalEdits()

	waitFor(t, func() bool {
		return 2 <= relay.dialCount.Load() && engine.State().Joined
	})
	assert.Equal(t, engine.State().Supervisor, SupervisorActive)

	// the rejoin flush reconciles the outage edits
	waitFor(t, func() bool {
		return relay.text() == "during outage"
	})
}

func TestEngineManualDisconnectSuppressesReconnect(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	engine.Disconnect()

	state := engine.State()
	assert.Equal(t, state.Phase, StateDisconnected)
	assert.Equal(t, state.Joined, false)
	assert.Equal(t, state.Supervisor, SupervisorIdle)

	// quiescence window: no connecting transitions after a manual disconnect
	time.Sleep(10 * testEngineSettings().Reconnect.BaseDelay)
	assert.Equal(t, relay.dialCount.Load(), int32(1))
	assert.Equal(t, engine.State().Phase, StateDisconnected)

	// the leaving signal reached the relay
	waitFor(t, func() bool {
		select {
		case m := <-relay.received:
			_, ok := m.(*LeaveSession)
			return ok
		default:
			return false
		}
	})
}

func TestEngineExhaustsRetries(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	relay.dialError = true
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")

	waitFor(t, func() bool {
		return engine.State().Supervisor == SupervisorExhausted
	})

	state := engine.State()
	assert.Equal(t, state.Phase, StateDisconnected)
	assert.Equal(t, state.ErrorMessage, "reconnect attempts exhausted")
	// the initial attempt plus the configured retries
	assert.Equal(t, relay.dialCount.Load(), int32(4))
}

func TestEngineConnectIsIdempotent(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	// a second connect tears the first down and joins again
	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined && 2 <= relay.dialCount.Load()
	})
}

func TestEngineRosterAndPresenceEvents(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	peerId := NewId()
	relay.sendToClient(&ParticipantJoined{
		ClientId: peerId,
		UserId:   NewId(),
		Username: "grace",
		Color:    "#3cb44b",
	})
	waitFor(t, func() bool {
		return len(engine.State().Roster) == 1
	})

	relay.sendToClient(&RemoteCursor{
		ClientId: peerId,
		Position: 7,
	})
	waitFor(t, func() bool {
		roster := engine.State().Roster
		return len(roster) == 1 && roster[0].Position == 7
	})

	relay.sendToClient(&RemotePresence{
		ClientId: peerId,
		State:    PresenceAway,
	})
	waitFor(t, func() bool {
		roster := engine.State().Roster
		return len(roster) == 1 && roster[0].State == PresenceAway
	})

	// presence for a client not in the roster is discarded
	relay.sendToClient(&RemoteCursor{
		ClientId: NewId(),
		Position: 3,
	})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(engine.State().Roster), 1)

	relay.sendToClient(&ParticipantLeft{
		ClientId: peerId,
	})
	waitFor(t, func() bool {
		return len(engine.State().Roster) == 0
	})
}

func TestEngineIgnoresUnknownMessages(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	relay.mutex.Lock()
	channel := relay.serverChannels[len(relay.serverChannels)-1]
	relay.mutex.Unlock()
	channel.Send([]byte(`{"type":"shiny_new_feature","body":{"x":1}}`))
	channel.Send([]byte("not json at all"))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, engine.State().Joined, true)
}

func TestEngineAppliesRemoteUpdates(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()

	// state that exists before the engine joins
	relay.doc.InsertText(0, "seed")
	relay.doc.TakeLocalUpdates()

	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()
	engine.Connect("S1", "token-1", NewId(), "ada")

	// the join snapshot carries the seed
	waitFor(t, func() bool {
		return engine.State().Doc.Text == "seed"
	})

	// a live remote update follows
	other := NewDoc()
	snapshot, _ := relay.doc.Snapshot()
	other.ApplyRemote(snapshot)
	other.InsertText(4, "ling")
	fragment, _ := other.TakeLocalUpdates()
	relay.sendToClient(&Update{
		Fragment: fragment,
	})

	waitFor(t, func() bool {
		return engine.State().Doc.Text == "seedling"
	})
}

func TestEnginePresenceAndComments(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	// presence before joined is dropped, not queued
	engine.UpdatePresence(3, nil, nil)

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	availability := PresenceAway
	engine.UpdatePresence(11, &Range{Start: 4, End: 11}, &availability)
	engine.AddComment("check the parcel bounds", nil, &Range{Start: 0, End: 4})

	sawCursor := false
	sawPresence := false
	sawComment := false
	waitFor(t, func() bool {
		for {
			select {
			case m := <-relay.received:
				switch m.(type) {
				case *Cursor:
					sawCursor = true
				case *Presence:
					sawPresence = true
				case *Comment:
					sawComment = true
				}
			default:
				return sawCursor && sawPresence && sawComment
			}
		}
	})

	// inbound comments surface as one-shot events, not document state
	comments := make(chan RemoteComment, 1)
	engine.AddCommentCallback(func(comment RemoteComment) {
		select {
		case comments <- comment:
		default:
		}
	})
	relay.sendToClient(&RemoteComment{
		ClientId: NewId(),
		Text:     "looks right",
	})
	waitFor(t, func() bool {
		select {
		case comment := <-comments:
			return comment.Text == "looks right"
		default:
			return false
		}
	})
	assert.Equal(t, engine.State().Doc.Text, "")
}

func TestEngineStateCallbacks(t *testing.T) {
	ctx := context.Background()
	relay := newScriptedRelay()
	engine := NewEngine(ctx, NewDoc(), relay.dial(), testEngineSettings())
	defer engine.Close()

	var mutex sync.Mutex
	phases := []ConnectionState{}
	removeCallback := engine.AddStateCallback(func(state EngineState) {
		mutex.Lock()
		defer mutex.Unlock()
		if len(phases) == 0 || phases[len(phases)-1] != state.Phase {
			phases = append(phases, state.Phase)
		}
	})
	defer removeCallback()

	engine.Connect("S1", "token-1", NewId(), "ada")
	waitFor(t, func() bool {
		return engine.State().Joined
	})

	mutex.Lock()
	defer mutex.Unlock()
	// strict forward progression on the happy path
	expected := []ConnectionState{
		StateConnecting,
		StateConnectedUnauthenticated,
		StateAuthenticated,
		StateJoined,
	}
	assert.Equal(t, phases, expected)
}
