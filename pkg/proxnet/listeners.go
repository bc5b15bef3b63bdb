package proxnet

import (
	"sync"

	"github.com/proximate-go/proximate/pkg/proximate"
)

// listenerSet is the listener bookkeeping shared by the endpoint
// adapters: registration-ordered dispatch, id-based removal.
type listenerSet struct {
	mu   sync.Mutex
	regs []listenerReg
	next int
}

type listenerReg struct {
	id int
	fn func(*proximate.Message)
}

func (s *listenerSet) add(fn func(*proximate.Message)) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.regs = append(s.regs, listenerReg{id: s.next, fn: fn})
	return s.next
}

func (s *listenerSet) remove(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regs {
		if r.id == id {
			s.regs = append(s.regs[:i], s.regs[i+1:]...)
			return
		}
	}
}

func (s *listenerSet) dispatch(msg *proximate.Message) {
	s.mu.Lock()
	regs := append([]listenerReg(nil), s.regs...)
	s.mu.Unlock()
	for _, r := range regs {
		r.fn(msg)
	}
}
