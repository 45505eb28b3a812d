package collab

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// client synchronization engine. one engine drives one session membership:
// it owns the update channel, walks the join handshake, feeds local edits
// into the doc store, forwards its own deltas, and folds remote updates and
// roster changes into observable state.
//
// inbound messages are handled strictly sequentially by the connection
// goroutine, so the doc store never sees concurrent remote applies.

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnectedUnauthenticated
	StateAuthenticated
	StateJoined
)

func (self ConnectionState) String() string {
	switch self {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnectedUnauthenticated:
		return "connected-unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateJoined:
		return "joined"
	default:
		return "unknown"
	}
}

type EngineSettings struct {
	Url          string
	PingInterval time.Duration
	Reconnect    *ReconnectSettings
	Clock        Clock
}

func DefaultEngineSettings(url string) *EngineSettings {
	return &EngineSettings{
		Url:          url,
		PingInterval: 10 * time.Second,
		Reconnect:    DefaultReconnectSettings(),
		Clock:        SystemClock(),
	}
}

// an immutable snapshot of the observable engine state
type EngineState struct {
	Phase         ConnectionState
	Authenticated bool
	Joined        bool
	ClientId      Id
	ErrorMessage  string
	Supervisor    SupervisorState
	Roster        []Participant
	Doc           DocValue
}

type StateFunction func(state EngineState)

type CommentFunction func(comment RemoteComment)

type engineSession struct {
	ctx    context.Context
	cancel context.CancelFunc

	sessionId string
	token     string
	userId    Id
	username  string
}

type Engine struct {
	ctx    context.Context
	cancel context.CancelFunc

	doc      DocStore
	dial     ChannelDialFunc
	settings *EngineSettings

	supervisor *reconnectSupervisor

	stateCallbacks   *CallbackList[StateFunction]
	commentCallbacks *CallbackList[CommentFunction]

	stateMutex    sync.Mutex
	phase         ConnectionState
	authenticated bool
	joined        bool
	clientId      Id
	errorMessage  string
	roster        map[Id]Participant
	session       *engineSession
	channel       Channel
}

func NewEngineWithDefaults(ctx context.Context, doc DocStore, url string) *Engine {
	return NewEngine(ctx, doc, WsDial(DefaultWsChannelSettings()), DefaultEngineSettings(url))
}

func NewEngine(ctx context.Context, doc DocStore, dial ChannelDialFunc, settings *EngineSettings) *Engine {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Engine{
		ctx:              cancelCtx,
		cancel:           cancel,
		doc:              doc,
		dial:             dial,
		settings:         settings,
		supervisor:       newReconnectSupervisor(settings.Reconnect),
		stateCallbacks:   NewCallbackList[StateFunction](),
		commentCallbacks: NewCallbackList[CommentFunction](),
		roster:           map[Id]Participant{},
	}
}

func (self *Engine) Doc() DocStore {
	return self.doc
}

// returns a function to remove the callback
func (self *Engine) AddStateCallback(stateCallback StateFunction) func() {
	return self.stateCallbacks.Add(stateCallback)
}

// returns a function to remove the callback
func (self *Engine) AddCommentCallback(commentCallback CommentFunction) func() {
	return self.commentCallbacks.Add(commentCallback)
}

// idempotent. any prior connection for this engine is torn down first.
// does not block; progress is observed via state callbacks.
func (self *Engine) Connect(sessionId string, token string, userId Id, username string) {
	sessionCtx, sessionCancel := context.WithCancel(self.ctx)
	session := &engineSession{
		ctx:       sessionCtx,
		cancel:    sessionCancel,
		sessionId: sessionId,
		token:     token,
		userId:    userId,
		username:  username,
	}

	self.stateMutex.Lock()
	previousSession := self.session
	previousChannel := self.channel
	self.session = session
	self.channel = nil
	self.phase = StateConnecting
	self.authenticated = false
	self.joined = false
	self.clientId = Id{}
	self.errorMessage = ""
	self.roster = map[Id]Participant{}
	self.stateMutex.Unlock()

	if previousSession != nil {
		previousSession.cancel()
	}
	if previousChannel != nil {
		previousChannel.Close()
	}

	self.supervisor.reset()
	self.publishState()

	go self.runSession(session)
}

// gracefully closes the channel and disables the reconnection supervisor.
// a manual disconnect never triggers an automatic retry.
func (self *Engine) Disconnect() {
	self.stateMutex.Lock()
	session := self.session
	channel := self.channel
	joined := self.joined
	self.session = nil
	self.channel = nil
	self.phase = StateDisconnected
	self.authenticated = false
	self.joined = false
	self.stateMutex.Unlock()

	if joined && channel != nil {
		// best effort leaving signal
		channel.Send(RequireEncodeClientMessage(&LeaveSession{}))
	}
	if session != nil {
		// cancels any in-flight attempt and any scheduled retry
		session.cancel()
	}
	if channel != nil {
		channel.Close()
	}

	self.supervisor.setState(SupervisorIdle)
	self.publishState()
}

// tears down the engine. the engine cannot be reused after close.
func (self *Engine) Close() {
	self.Disconnect()
	self.cancel()
}

// merges a caller-produced edit fragment into the doc store and forwards
// it when joined. when not joined the fragment stays pending in the store
// and is included in the next flush. no edit is ever silently dropped.
func (self *Engine) SubmitLocalEdit(fragment []byte) {
	self.doc.EnqueueLocalUpdates(fragment)
	self.flushLocal()
	self.publishState()
}

// pushes any deltas pending in the doc store, typically after the caller
// mutated the doc directly. a no-op unless joined.
func (self *Engine) SyncLocalEdits() {
	self.flushLocal()
	self.publishState()
}

func (self *Engine) State() EngineState {
	return self.snapshotState()
}

func (self *Engine) runSession(session *engineSession) {
	for {
		result := self.runConnection(session)

		if session.ctx.Err() != nil {
			// manually disconnected or replaced by a newer connect
			return
		}

		switch result {
		case connectionTerminal:
			// the error is already surfaced. credentials have to change,
			// a retry with the same ones cannot succeed.
			return
		default:
			self.doc.MarkAllLocalPending()

			delay, ok := self.supervisor.nextDelay()
			if !ok {
				glog.Infof("[e]reconnect exhausted %s\n", session.sessionId)
				self.setDisconnected("reconnect attempts exhausted")
				self.publishState()
				return
			}

			self.setDisconnected("")
			self.publishState()

			select {
			case <-session.ctx.Done():
				return
			case <-self.settings.Clock.After(delay):
			}
		}
	}
}

type connectionResult int

const (
	connectionLost connectionResult = iota
	connectionTerminal
	connectionCanceled
)

func (self *Engine) runConnection(session *engineSession) connectionResult {
	self.stateMutex.Lock()
	if self.session != session {
		self.stateMutex.Unlock()
		return connectionCanceled
	}
	self.phase = StateConnecting
	self.authenticated = false
	self.joined = false
	self.stateMutex.Unlock()
	self.publishState()

	channel, err := self.dial(session.ctx, self.settings.Url)
	if err != nil {
		glog.Infof("[e]dial error = %s\n", err)
		return connectionLost
	}

	self.stateMutex.Lock()
	if self.session != session {
		self.stateMutex.Unlock()
		channel.Close()
		return connectionCanceled
	}
	self.channel = channel
	self.phase = StateConnectedUnauthenticated
	self.stateMutex.Unlock()
	self.publishState()

	defer channel.Close()

	auth := &Auth{
		Token:  session.token,
		UserId: session.userId,
	}
	if err := channel.Send(RequireEncodeClientMessage(auth)); err != nil {
		return connectionLost
	}

	pingCtx, pingCancel := context.WithCancel(session.ctx)
	defer pingCancel()
	go self.pingLoop(pingCtx, channel)

	for {
		select {
		case <-session.ctx.Done():
			return connectionCanceled
		case <-channel.Done():
			// a terminal message can land just before teardown. drain what
			// was already delivered so it is not mistaken for channel loss.
			for {
				var message []byte
				select {
				case message = <-channel.Receive():
				default:
				}
				if message == nil {
					break
				}
				if result, done := self.handleMessage(session, channel, message); done {
					return result
				}
			}
			if err := channel.Err(); err != nil {
				glog.Infof("[e]channel lost = %s\n", err)
			}
			return connectionLost
		case message := <-channel.Receive():
			if message == nil {
				return connectionLost
			}
			if result, done := self.handleMessage(session, channel, message); done {
				return result
			}
		}
	}
}

func (self *Engine) handleMessage(session *engineSession, channel Channel, message []byte) (connectionResult, bool) {
	decoded, err := DecodeServerMessage(message)
	if err != nil {
		// unknown or malformed messages are skipped for forward compatibility
		glog.V(2).Infof("[e]skip message = %s\n", err)
		return 0, false
	}

	switch m := decoded.(type) {
	case *Welcome:
		// informational

	case *AuthSuccess:
		self.stateMutex.Lock()
		self.authenticated = true
		self.phase = StateAuthenticated
		self.stateMutex.Unlock()
		self.publishState()

		join := &JoinSession{
			SessionId: session.sessionId,
			Username:  session.username,
		}
		if err := channel.Send(RequireEncodeClientMessage(join)); err != nil {
			return connectionLost, true
		}

	case *AuthError:
		glog.Infof("[e]auth error = %s\n", m.Message)
		self.setDisconnected(m.Message)
		self.supervisor.setState(SupervisorIdle)
		self.publishState()
		return connectionTerminal, true

	case *InitialState:
		if err := self.doc.ApplyRemote(m.State); err != nil {
			glog.Infof("[e]initial state apply error = %s\n", err)
		}
		self.stateMutex.Lock()
		self.clientId = m.ClientId
		self.joined = true
		self.phase = StateJoined
		self.stateMutex.Unlock()
		self.supervisor.reset()
		self.publishState()
		// deliver edits accumulated while not joined
		self.flushLocal()
		self.publishState()

	case *Roster:
		self.stateMutex.Lock()
		self.roster = map[Id]Participant{}
		for _, client := range m.Clients {
			self.roster[client.ClientId] = client
		}
		self.stateMutex.Unlock()
		self.publishState()

	case *ParticipantJoined:
		self.stateMutex.Lock()
		self.roster[m.ClientId] = Participant{
			ClientId: m.ClientId,
			UserId:   m.UserId,
			Username: m.Username,
			Color:    m.Color,
			State:    PresenceActive,
			JoinTime: self.settings.Clock.Now(),
		}
		self.stateMutex.Unlock()
		self.publishState()

	case *ParticipantLeft:
		self.stateMutex.Lock()
		delete(self.roster, m.ClientId)
		self.stateMutex.Unlock()
		self.publishState()

	case *Update:
		if err := self.doc.ApplyRemote(m.Fragment); err != nil {
			glog.Infof("[e]update apply error = %s\n", err)
		}
		self.publishState()

	case *RemoteCursor:
		// the roster snapshot is authoritative for membership.
		// presence for an unknown client is discarded.
		self.stateMutex.Lock()
		if client, ok := self.roster[m.ClientId]; ok {
			client.Position = m.Position
			client.Selection = m.Selection
			self.roster[m.ClientId] = client
		}
		self.stateMutex.Unlock()
		self.publishState()

	case *RemotePresence:
		self.stateMutex.Lock()
		if client, ok := self.roster[m.ClientId]; ok {
			client.State = m.State
			self.roster[m.ClientId] = client
		}
		self.stateMutex.Unlock()
		self.publishState()

	case *RemoteComment:
		for _, commentCallback := range self.commentCallbacks.Get() {
			commentCallback(*m)
		}

	case *ErrorMessage:
		// non-fatal application error. the connection stays open unless
		// the relay also closes the channel.
		glog.Infof("[e]relay error = %s\n", m.Message)
		self.stateMutex.Lock()
		self.errorMessage = m.Message
		self.stateMutex.Unlock()
		self.publishState()
	}

	return 0, false
}

func (self *Engine) flushLocal() {
	self.stateMutex.Lock()
	joined := self.joined
	channel := self.channel
	self.stateMutex.Unlock()

	if !joined || channel == nil {
		return
	}

	fragment, ok := self.doc.TakeLocalUpdates()
	if !ok {
		return
	}
	update := &Update{
		Fragment: fragment,
	}
	if err := channel.Send(RequireEncodeClientMessage(update)); err != nil {
		self.doc.EnqueueLocalUpdates(fragment)
	}
}

func (self *Engine) setDisconnected(errorMessage string) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	self.phase = StateDisconnected
	self.authenticated = false
	self.joined = false
	if errorMessage != "" {
		self.errorMessage = errorMessage
	}
}

func (self *Engine) snapshotState() EngineState {
	self.stateMutex.Lock()
	roster := maps.Values(self.roster)
	state := EngineState{
		Phase:         self.phase,
		Authenticated: self.authenticated,
		Joined:        self.joined,
		ClientId:      self.clientId,
		ErrorMessage:  self.errorMessage,
		Supervisor:    self.supervisor.State(),
		Roster:        roster,
	}
	self.stateMutex.Unlock()

	sort.Slice(roster, func(i int, j int) bool {
		if !roster[i].JoinTime.Equal(roster[j].JoinTime) {
			return roster[i].JoinTime.Before(roster[j].JoinTime)
		}
		return roster[i].ClientId.LessThan(roster[j].ClientId)
	})

	state.Doc = self.doc.Value()
	return state
}

func (self *Engine) publishState() {
	state := self.snapshotState()
	for _, stateCallback := range self.stateCallbacks.Get() {
		stateCallback(state)
	}
}
