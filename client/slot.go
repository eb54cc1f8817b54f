package client

import (
	"sync"

	"github.com/grailplatform/grail-go-sdk/worldmodel"
)

// slot is a single-assignment result cell. Exactly one of fulfill or
// fail takes effect; later calls are ignored, which lets a connection
// teardown sweep every slot without tracking which ones already
// resolved.
type slot struct {
	once sync.Once
	done chan struct{}
	ws   worldmodel.WorldState
	err  error
}

func newSlot() *slot {
	return &slot{done: make(chan struct{})}
}

func (s *slot) fulfill(ws worldmodel.WorldState) {
	s.once.Do(func() {
		s.ws = ws
		close(s.done)
	})
}

func (s *slot) fail(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

// resolved reports whether the slot already holds a value or an error.
func (s *slot) resolved() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// wait blocks until the slot resolves and returns its contents.
func (s *slot) wait() (worldmodel.WorldState, error) {
	<-s.done
	return s.ws, s.err
}
