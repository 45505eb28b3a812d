package collab

import (
	"sync"
	"time"
)

// reconnection supervisor state, layered above the engine's connection
// state. the supervisor only reacts to abnormal channel loss. a manual
// `Disconnect` or an auth rejection never schedules a retry.
type SupervisorState int

const (
	SupervisorIdle SupervisorState = iota
	SupervisorActive
	SupervisorReconnecting
	SupervisorExhausted
)

func (self SupervisorState) String() string {
	switch self {
	case SupervisorIdle:
		return "idle"
	case SupervisorActive:
		return "active"
	case SupervisorReconnecting:
		return "reconnecting"
	case SupervisorExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

type ReconnectSettings struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultReconnectSettings() *ReconnectSettings {
	return &ReconnectSettings{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 8,
	}
}

type reconnectSupervisor struct {
	settings *ReconnectSettings

	mutex    sync.Mutex
	state    SupervisorState
	attempts int
}

func newReconnectSupervisor(settings *ReconnectSettings) *reconnectSupervisor {
	return &reconnectSupervisor{
		settings: settings,
	}
}

func (self *reconnectSupervisor) State() SupervisorState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *reconnectSupervisor) setState(state SupervisorState) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.state = state
}

// a connection reached joined. the attempt counter starts over.
func (self *reconnectSupervisor) reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.state = SupervisorActive
	self.attempts = 0
}

// returns the backoff delay before the next attempt,
// or false when the attempt budget is spent
func (self *reconnectSupervisor) nextDelay() (time.Duration, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.settings.MaxAttempts <= self.attempts {
		self.state = SupervisorExhausted
		return 0, false
	}

	delay := self.settings.BaseDelay << self.attempts
	if self.settings.MaxDelay < delay || delay < self.settings.BaseDelay {
		// the shift can overflow for large attempt counts
		delay = self.settings.MaxDelay
	}
	self.attempts += 1
	self.state = SupervisorReconnecting
	return delay, true
}
