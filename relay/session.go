package relay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/maps"

	"github.com/parcelgrid/collab/collab"
)

// session metadata registry. sessions are created and closed explicitly,
// never garbage-collected.

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionExists   = errors.New("session already exists")
)

type SessionState string

const (
	SessionActive SessionState = "active"
	SessionClosed SessionState = "closed"
)

type Session struct {
	SessionId  string       `json:"sessionId"`
	DocType    string       `json:"docType"`
	Owner      string       `json:"owner"`
	CreateTime time.Time    `json:"createTime"`
	State      SessionState `json:"state"`
}

type Registry struct {
	clock collab.Clock

	mutex    sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(clock collab.Clock) *Registry {
	return &Registry{
		clock:    clock,
		sessions: map[string]*Session{},
	}
}

// an empty session id generates one
func (self *Registry) CreateSession(sessionId string, docType string, owner string) (*Session, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if sessionId == "" {
		sessionId = collab.NewId().String()
	}
	if _, ok := self.sessions[sessionId]; ok {
		return nil, ErrSessionExists
	}

	session := &Session{
		SessionId:  sessionId,
		DocType:    docType,
		Owner:      owner,
		CreateTime: self.clock.Now(),
		State:      SessionActive,
	}
	self.sessions[sessionId] = session
	return session, nil
}

func (self *Registry) GetSession(sessionId string) (*Session, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[sessionId]
	if !ok {
		return nil, ErrSessionNotFound
	}
	out := *session
	return &out, nil
}

func (self *Registry) ListSessions() []*Session {
	self.mutex.Lock()
	sessions := []*Session{}
	for _, session := range maps.Values(self.sessions) {
		out := *session
		sessions = append(sessions, &out)
	}
	self.mutex.Unlock()

	sort.Slice(sessions, func(i int, j int) bool {
		if !sessions[i].CreateTime.Equal(sessions[j].CreateTime) {
			return sessions[i].CreateTime.Before(sessions[j].CreateTime)
		}
		return sessions[i].SessionId < sessions[j].SessionId
	})
	return sessions
}

func (self *Registry) CloseSession(sessionId string) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	session, ok := self.sessions[sessionId]
	if !ok {
		return ErrSessionNotFound
	}
	if session.State == SessionClosed {
		return ErrSessionClosed
	}
	session.State = SessionClosed
	return nil
}
