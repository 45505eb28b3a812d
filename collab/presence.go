package collab

import (
	"context"

	"github.com/golang/glog"
)

// presence is transient and non-authoritative: cursor, selection, and
// availability ride the channel fire-and-forget, with no queue and no
// replay. when the engine is not joined the sample is simply dropped.

// sends one cursor message for this interaction, plus an availability
// message when `availability` is set
func (self *Engine) UpdatePresence(position int, selection *Range, availability *PresenceState) {
	channel, ok := self.joinedChannel()
	if !ok {
		glog.V(2).Infof("[p]drop presence, not joined\n")
		return
	}

	cursor := &Cursor{
		Position:  position,
		Selection: selection,
	}
	if err := channel.Send(RequireEncodeClientMessage(cursor)); err != nil {
		return
	}

	if availability != nil {
		presence := &Presence{
			State: *availability,
		}
		channel.Send(RequireEncodeClientMessage(presence))
	}
}

// best-effort annotation broadcast. comments are write-once and are not
// merged into the document state.
func (self *Engine) AddComment(text string, position *int, textRange *Range) {
	channel, ok := self.joinedChannel()
	if !ok {
		glog.V(2).Infof("[p]drop comment, not joined\n")
		return
	}

	comment := &Comment{
		Text:     text,
		Position: position,
		Range:    textRange,
	}
	channel.Send(RequireEncodeClientMessage(comment))
}

func (self *Engine) joinedChannel() (Channel, bool) {
	self.stateMutex.Lock()
	defer self.stateMutex.Unlock()
	if !self.joined || self.channel == nil {
		return nil, false
	}
	return self.channel, true
}

// periodic keep-alive so the relay can detect half-open connections.
// the relay closes any channel with no ping inside its timeout window,
// which bounds stale-roster latency after a silent partition.
func (self *Engine) pingLoop(ctx context.Context, channel Channel) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-channel.Done():
			return
		case <-self.settings.Clock.After(self.settings.PingInterval):
		}

		if err := channel.Send(RequireEncodeClientMessage(&Ping{})); err != nil {
			return
		}
	}
}
