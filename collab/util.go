package collab

import (
	"sync"
	"time"
)

// makes a copy of the list on get so callbacks can be invoked
// without holding the lock
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks map[int]T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback

	return func() {
		self.mutex.Lock()
		defer self.mutex.Unlock()
		delete(self.callbacks, callbackId)
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, callback := range self.callbacks {
		callbacks = append(callbacks, callback)
	}
	return callbacks
}

// injected so the reconnect and keep-alive timing can be driven
// deterministically in tests
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func SystemClock() Clock {
	return &systemClock{}
}

func (self *systemClock) Now() time.Time {
	return time.Now()
}

func (self *systemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
