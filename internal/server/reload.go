package server

import (
	"sync"
	"sync/atomic"
)

// Updater holds the live Options for a Server and pushes updates to it
// (and to any other Server sharing the same configuration, such as a
// TURN and TURNS listener pair) when a reload is triggered.
type Updater struct {
	v         atomic.Value
	mux       sync.RWMutex
	listeners []*Server
}

// NewUpdater initializes an Updater from the initial options.
func NewUpdater(o Options) *Updater {
	u := &Updater{}
	u.v.Store(o)
	return u
}

// Get returns the current options.
func (u *Updater) Get() Options {
	return u.v.Load().(Options)
}

// Set stores new options and pushes them to every subscribed Server.
func (u *Updater) Set(o Options) {
	u.v.Store(o)
	u.mux.RLock()
	defer u.mux.RUnlock()
	for _, s := range u.listeners {
		s.SetOptions(o)
	}
}

// Subscribe registers s to receive future Set calls.
func (u *Updater) Subscribe(s *Server) {
	u.mux.Lock()
	defer u.mux.Unlock()
	u.listeners = append(u.listeners, s)
}
