package collab

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

// a duplex message-framed byte stream between one client and one relay.
// implementations deliver messages in order and signal loss via `Done`.

const ChannelReceiveBufferSize = 32

var ErrChannelClosed = errors.New("channel closed")

type Channel interface {
	// non-blocking from the engine's perspective apart from transient
	// socket backpressure bounded by the write timeout
	Send(message []byte) error
	// readers must also select on `Done`; the receive channel is not
	// guaranteed to be closed on teardown
	Receive() <-chan []byte
	Done() <-chan struct{}
	// the abnormal close cause, nil after a local `Close`
	Err() error
	Close()
}

// (ctx, url)
type ChannelDialFunc func(ctx context.Context, url string) (Channel, error)

type WsChannelSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
}

func DefaultWsChannelSettings() *WsChannelSettings {
	return &WsChannelSettings{
		HandshakeTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		// the relay pings are protocol messages, any traffic resets this
		ReadTimeout: 60 * time.Second,
	}
}

type WsChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	ws       *websocket.Conn
	settings *WsChannelSettings

	receive chan []byte

	sendMutex sync.Mutex

	stateMutex sync.Mutex
	err        error
	closed     bool
}

func WsDial(settings *WsChannelSettings) ChannelDialFunc {
	return func(ctx context.Context, url string) (Channel, error) {
		dialer := &websocket.Dialer{
			HandshakeTimeout: settings.HandshakeTimeout,
		}
		ws, _, err := dialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return NewWsChannel(ctx, ws, settings), nil
	}
}

func NewWsChannel(ctx context.Context, ws *websocket.Conn, settings *WsChannelSettings) *WsChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &WsChannel{
		ctx:      cancelCtx,
		cancel:   cancel,
		ws:       ws,
		settings: settings,
		receive:  make(chan []byte, ChannelReceiveBufferSize),
	}
	go channel.run()
	return channel
}

func (self *WsChannel) run() {
	defer func() {
		self.cancel()
		self.ws.Close()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		if 0 < self.settings.ReadTimeout {
			self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		}
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			self.setErr(err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- message:
			}
		default:
			glog.V(2).Infof("[ch]other=%d<-\n", messageType)
		}
	}
}

func (self *WsChannel) Send(message []byte) error {
	self.sendMutex.Lock()
	defer self.sendMutex.Unlock()

	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	default:
	}

	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, message); err != nil {
		// a websocket write deadline timeout cannot be recovered
		self.setErr(err)
		self.cancel()
		return err
	}
	return nil
}

func (self *WsChannel) Receive() <-chan []byte {
	return self.receive
}

func (self *WsChannel) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *WsChannel) Err() error {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.err
}

func (self *WsChannel) Close() {
	self.stateMutex.Lock()
	self.closed = true
	self.stateMutex.Unlock()

	self.cancel()
	self.ws.Close()
}

func (self *WsChannel) setErr(err error) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if self.closed || self.err != nil {
		return
	}
	self.err = err
}

// an in-memory channel pair. used by the tests and to host a client engine
// and relay in the same process.
type PipeChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	peer *PipeChannel

	receive chan []byte

	stateMutex sync.Mutex
	err        error
	closed     bool
}

func NewPipeChannel(ctx context.Context) (*PipeChannel, *PipeChannel) {
	cancelCtx, cancel := context.WithCancel(ctx)

	a := &PipeChannel{
		ctx:     cancelCtx,
		cancel:  cancel,
		receive: make(chan []byte, ChannelReceiveBufferSize),
	}
	b := &PipeChannel{
		ctx:     cancelCtx,
		cancel:  cancel,
		receive: make(chan []byte, ChannelReceiveBufferSize),
	}
	a.peer = b
	b.peer = a

	// the receive channels are never closed. readers select on `Done`,
	// which avoids a race between a concurrent `Send` and close.
	return a, b
}

func (self *PipeChannel) Send(message []byte) error {
	select {
	case <-self.ctx.Done():
		return ErrChannelClosed
	case self.peer.receive <- message:
		return nil
	}
}

func (self *PipeChannel) Receive() <-chan []byte {
	return self.receive
}

func (self *PipeChannel) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *PipeChannel) Err() error {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	return self.err
}

func (self *PipeChannel) Close() {
	self.stateMutex.Lock()
	self.closed = true
	self.stateMutex.Unlock()

	self.peer.stateMutex.Lock()
	if !self.peer.closed && self.peer.err == nil {
		self.peer.err = ErrChannelClosed
	}
	self.peer.stateMutex.Unlock()

	self.cancel()
}
