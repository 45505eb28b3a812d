package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"

	"github.com/parcelgrid/collab/collab"
)

// session relay. owns the authoritative roster and document per session id,
// rebroadcasts update and presence events to the other participants, and
// serves the current snapshot to joiners.
//
// fan-out is recipient-isolated: every participant has a bounded outbox
// drained by its own writer. a slow participant overflows its outbox and is
// disconnected instead of stalling the room. sessions share nothing, a
// burst in one session cannot delay another.

var participantColors = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
}

type RelaySettings struct {
	OutboxSize  int
	PingTimeout time.Duration
	Clock       collab.Clock
}

func DefaultRelaySettings() *RelaySettings {
	return &RelaySettings{
		OutboxSize:  64,
		PingTimeout: 30 * time.Second,
		Clock:       collab.SystemClock(),
	}
}

type Relay struct {
	ctx    context.Context
	cancel context.CancelFunc

	registry      *Registry
	authenticator Authenticator
	settings      *RelaySettings

	mutex sync.Mutex
	rooms map[string]*room
}

func NewRelay(ctx context.Context, registry *Registry, authenticator Authenticator, settings *RelaySettings) *Relay {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Relay{
		ctx:           cancelCtx,
		cancel:        cancel,
		registry:      registry,
		authenticator: authenticator,
		settings:      settings,
		rooms:         map[string]*room{},
	}
}

func (self *Relay) Registry() *Registry {
	return self.registry
}

// runs the relay side of one participant connection. blocks until the
// connection is torn down.
func (self *Relay) Serve(channel collab.Channel) {
	conn := &relayConn{
		relay:   self,
		channel: channel,
	}
	conn.run()
}

// closes the session in the registry and disconnects its participants
func (self *Relay) CloseSession(sessionId string) error {
	if err := self.registry.CloseSession(sessionId); err != nil {
		return err
	}

	self.mutex.Lock()
	sessionRoom := self.rooms[sessionId]
	delete(self.rooms, sessionId)
	self.mutex.Unlock()

	if sessionRoom != nil {
		sessionRoom.closeAll("session closed")
	}
	return nil
}

func (self *Relay) Close() {
	self.cancel()

	self.mutex.Lock()
	rooms := maps.Values(self.rooms)
	self.rooms = map[string]*room{}
	self.mutex.Unlock()

	for _, sessionRoom := range rooms {
		sessionRoom.closeAll("relay shutting down")
	}
}

func (self *Relay) room(sessionId string) *room {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sessionRoom, ok := self.rooms[sessionId]
	if !ok {
		sessionRoom = &room{
			sessionId: sessionId,
			doc:       collab.NewDoc(),
			clients:   map[collab.Id]*relayClient{},
		}
		self.rooms[sessionId] = sessionRoom
	}
	return sessionRoom
}

// one participant connection, driven sequentially by `run`
type relayConn struct {
	relay   *Relay
	channel collab.Channel

	authenticated bool
	userId        collab.Id
	client        *relayClient
	sessionRoom   *room
}

func (self *relayConn) run() {
	defer self.channel.Close()

	self.send(&collab.Welcome{})

	for {
		message, ok := self.receive()
		if !ok {
			break
		}

		decoded, err := collab.DecodeClientMessage(message)
		if err != nil {
			// unknown or malformed messages are skipped
			glog.V(2).Infof("[r]skip message = %s\n", err)
			continue
		}

		if done := self.handle(decoded); done {
			break
		}
	}

	if self.client != nil {
		self.sessionRoom.leave(self.client)
	}
}

// waits for the next inbound message. returns false on channel loss or
// when nothing arrives inside the ping timeout window.
func (self *relayConn) receive() ([]byte, bool) {
	select {
	case <-self.relay.ctx.Done():
		return nil, false
	case <-self.channel.Done():
		return nil, false
	case <-self.relay.settings.Clock.After(self.relay.settings.PingTimeout):
		glog.Infof("[r]ping timeout\n")
		return nil, false
	case message := <-self.channel.Receive():
		if message == nil {
			return nil, false
		}
		return message, true
	}
}

func (self *relayConn) handle(decoded any) bool {
	switch m := decoded.(type) {
	case *collab.Auth:
		if self.authenticated {
			return false
		}
		if err := self.relay.authenticator.Authenticate(m.Token, m.UserId); err != nil {
			glog.Infof("[r]auth rejected = %s\n", err)
			self.send(&collab.AuthError{
				Message: "invalid credentials",
			})
			return true
		}
		self.authenticated = true
		self.userId = m.UserId
		self.send(&collab.AuthSuccess{})

	case *collab.JoinSession:
		if !self.authenticated || self.client != nil {
			self.send(&collab.ErrorMessage{
				Message: "join out of order",
			})
			return false
		}

		session, err := self.relay.registry.GetSession(m.SessionId)
		if err != nil {
			self.send(&collab.ErrorMessage{
				Message: "session not found",
			})
			return true
		}
		if session.State == SessionClosed {
			self.send(&collab.ErrorMessage{
				Message: "session closed",
			})
			return true
		}

		sessionRoom := self.relay.room(m.SessionId)
		client, snapshot, roster := sessionRoom.join(
			self.channel,
			self.userId,
			m.Username,
			self.relay.settings,
		)
		self.client = client
		self.sessionRoom = sessionRoom

		self.send(&collab.InitialState{
			ClientId: client.clientId,
			State:    snapshot,
		})
		self.send(&collab.Roster{
			Clients: roster,
		})

	case *collab.Update:
		if self.client == nil {
			return false
		}
		self.sessionRoom.applyUpdate(self.client, m.Fragment)

	case *collab.Cursor:
		if self.client == nil {
			return false
		}
		self.sessionRoom.updateCursor(self.client, m.Position, m.Selection)

	case *collab.Presence:
		if self.client == nil {
			return false
		}
		self.sessionRoom.updatePresence(self.client, m.State)

	case *collab.Comment:
		if self.client == nil {
			return false
		}
		self.sessionRoom.broadcastComment(self.client, m, self.relay.settings.Clock.Now())

	case *collab.Ping:
		// traffic already reset the idle window
		glog.V(2).Infof("[r]ping %s<-\n", self.userId)

	case *collab.LeaveSession:
		return true
	}

	return false
}

func (self *relayConn) send(message any) {
	if err := self.channel.Send(collab.RequireEncodeServerMessage(message)); err != nil {
		glog.V(2).Infof("[r]send error = %s\n", err)
	}
}

type room struct {
	sessionId string

	mutex   sync.Mutex
	doc     *collab.Doc
	clients map[collab.Id]*relayClient
}

// registers a new participant and atomically captures the snapshot and
// roster it must see, so no update can fall between snapshot and the
// broadcast stream
func (self *room) join(
	channel collab.Channel,
	userId collab.Id,
	username string,
	settings *RelaySettings,
) (*relayClient, []byte, []collab.Participant) {
	self.mutex.Lock()

	client := &relayClient{
		room:     self,
		channel:  channel,
		clientId: collab.NewId(),
		userId:   userId,
		username: username,
		state:    collab.PresenceActive,
		joinTime: settings.Clock.Now(),
		outbox:   make(chan []byte, settings.OutboxSize),
		done:     make(chan struct{}),
	}
	client.color = self.assignColor(client.clientId)
	self.clients[client.clientId] = client
	go client.run()

	snapshot, err := self.doc.Snapshot()
	if err != nil {
		panic(err)
	}
	roster := self.rosterLocked()

	joined := &collab.ParticipantJoined{
		ClientId: client.clientId,
		UserId:   client.userId,
		Username: client.username,
		Color:    client.color,
	}
	self.broadcastLocked(client.clientId, collab.RequireEncodeServerMessage(joined))
	self.mutex.Unlock()

	glog.Infof("[r]join %s %s (%s)\n", self.sessionId, client.clientId, username)
	return client, snapshot, roster
}

func (self *room) leave(client *relayClient) {
	self.mutex.Lock()
	_, ok := self.clients[client.clientId]
	delete(self.clients, client.clientId)
	if ok {
		left := &collab.ParticipantLeft{
			ClientId: client.clientId,
		}
		self.broadcastLocked(client.clientId, collab.RequireEncodeServerMessage(left))
	}
	self.mutex.Unlock()

	client.close()
	if ok {
		glog.Infof("[r]leave %s %s\n", self.sessionId, client.clientId)
	}
}

// merges the fragment into the authoritative doc and rebroadcasts it
// verbatim to every other participant. updates from one sender are
// forwarded in the order received.
func (self *room) applyUpdate(sender *relayClient, fragment []byte) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if err := self.doc.ApplyRemote(fragment); err != nil {
		glog.Infof("[r]drop malformed update from %s = %s\n", sender.clientId, err)
		return
	}
	update := &collab.Update{
		Fragment: fragment,
	}
	self.broadcastLocked(sender.clientId, collab.RequireEncodeServerMessage(update))
}

func (self *room) updateCursor(sender *relayClient, position int, selection *collab.Range) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sender.position = position
	sender.selection = selection
	cursor := &collab.RemoteCursor{
		ClientId:  sender.clientId,
		Position:  position,
		Selection: selection,
	}
	self.broadcastLocked(sender.clientId, collab.RequireEncodeServerMessage(cursor))
}

func (self *room) updatePresence(sender *relayClient, state collab.PresenceState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sender.state = state
	presence := &collab.RemotePresence{
		ClientId: sender.clientId,
		State:    state,
	}
	self.broadcastLocked(sender.clientId, collab.RequireEncodeServerMessage(presence))
}

func (self *room) broadcastComment(sender *relayClient, comment *collab.Comment, createTime time.Time) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	remoteComment := &collab.RemoteComment{
		ClientId:   sender.clientId,
		Text:       comment.Text,
		Position:   comment.Position,
		Range:      comment.Range,
		CreateTime: createTime,
	}
	self.broadcastLocked(sender.clientId, collab.RequireEncodeServerMessage(remoteComment))
}

func (self *room) closeAll(message string) {
	self.mutex.Lock()
	clients := maps.Values(self.clients)
	self.clients = map[collab.Id]*relayClient{}
	self.mutex.Unlock()

	errorMessage := collab.RequireEncodeServerMessage(&collab.ErrorMessage{
		Message: message,
	})
	for _, client := range clients {
		client.channel.Send(errorMessage)
		client.close()
	}
}

func (self *room) roster() []collab.Participant {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.rosterLocked()
}

func (self *room) rosterLocked() []collab.Participant {
	roster := []collab.Participant{}
	for _, client := range self.clients {
		roster = append(roster, collab.Participant{
			ClientId:  client.clientId,
			UserId:    client.userId,
			Username:  client.username,
			Color:     client.color,
			Position:  client.position,
			Selection: client.selection,
			State:     client.state,
			JoinTime:  client.joinTime,
		})
	}
	return roster
}

func (self *room) broadcastLocked(exceptClientId collab.Id, message []byte) {
	for clientId, client := range self.clients {
		if clientId == exceptClientId {
			// never echo back to the sender
			continue
		}
		client.enqueue(message)
	}
}

// picks the least used palette color. with more participants than palette
// entries the color is derived from the participant id.
func (self *room) assignColor(clientId collab.Id) string {
	used := map[string]bool{}
	for _, client := range self.clients {
		used[client.color] = true
	}
	for _, color := range participantColors {
		if !used[color] {
			return color
		}
	}
	idBytes := clientId.Bytes()
	return fmt.Sprintf("#%02x%02x%02x", idBytes[13], idBytes[14], idBytes[15])
}

type relayClient struct {
	room    *room
	channel collab.Channel

	clientId collab.Id
	userId   collab.Id
	username string
	color    string
	joinTime time.Time

	// owned by the room mutex
	position  int
	selection *collab.Range
	state     collab.PresenceState

	outbox    chan []byte
	closeOnce sync.Once
	done      chan struct{}
}

// drains the outbox onto the channel. one writer per recipient keeps a
// slow participant from stalling the rest of the room.
func (self *relayClient) run() {
	for {
		select {
		case <-self.done:
			return
		case <-self.channel.Done():
			self.close()
			return
		case message := <-self.outbox:
			if err := self.channel.Send(message); err != nil {
				self.close()
				return
			}
		}
	}
}

func (self *relayClient) enqueue(message []byte) {
	select {
	case self.outbox <- message:
	default:
		// backlogged recipient. disconnect it rather than block the room.
		glog.Infof("[r]outbox overflow %s, disconnecting\n", self.clientId)
		self.close()
	}
}

func (self *relayClient) close() {
	self.closeOnce.Do(func() {
		close(self.done)
		self.channel.Close()
	})
}
