package bluetooth

import (
	"runtime"
	"weak"

	"github.com/pkg/errors"
)

type sessionState struct {
	active bool
}

// DiscoverySession is one consumer's claim on device discovery. Discovery
// keeps running while at least one session is active. A session becomes
// inactive exactly once: when stopped, when the adapter goes away, or when
// discovery is stopped behind our back. An active session that is garbage
// collected is stopped as if Stop had been called.
type DiscoverySession struct {
	adapter weak.Pointer[Adapter]
	state   *sessionState
}

func (s *DiscoverySession) IsActive() bool {
	return s.state.active
}

// Stop releases the session. Errors other than ErrDiscoveryBusy still leave
// the session inactive; the adapter's count is not adjusted in that case.
func (s *DiscoverySession) Stop(onSuccess func(), onError func(error)) {
	c := newCompletion(onSuccess, onError)
	if !s.state.active {
		c.resolve(ErrSessionInactive)
		return
	}

	a := s.adapter.Value()
	if a == nil {
		s.state.active = false
		c.resolve(ErrAdapterNotPresent)
		return
	}

	st := s.state
	a.removeDiscoverySession(newCompletion(
		func() {
			a.deactivateSession(st)
			c.resolve(nil)
		},
		func(err error) {
			if !errors.Is(err, ErrDiscoveryBusy) {
				a.deactivateSession(st)
			}
			c.resolve(err)
		},
	))
}

type sessionCleanup struct {
	adapter    weak.Pointer[Adapter]
	dispatcher Dispatcher
	state      *sessionState
}

func releaseDroppedSession(c sessionCleanup) {
	c.dispatcher.Post(func() {
		a := c.adapter.Value()
		if a == nil || !c.state.active {
			return
		}
		log.Debug("Releasing dropped discovery session")
		a.deactivateSession(c.state)
		a.removeDiscoverySession(newCompletion(nil, func(err error) {
			log.Warnf("Failed to release dropped discovery session: %v", err)
		}))
	})
}

func (a *Adapter) newDiscoverySession() *DiscoverySession {
	st := &sessionState{active: true}
	a.sessions[st] = struct{}{}

	s := &DiscoverySession{adapter: weak.Make(a), state: st}
	runtime.AddCleanup(s, releaseDroppedSession, sessionCleanup{
		adapter:    s.adapter,
		dispatcher: a.dispatcher,
		state:      st,
	})
	return s
}

func (a *Adapter) deactivateSession(st *sessionState) {
	st.active = false
	delete(a.sessions, st)
}

func (a *Adapter) invalidateDiscoverySessions() {
	for st := range a.sessions {
		st.active = false
	}
	clear(a.sessions)
}

// StartDiscoverySession requests a new discovery session. The daemon is
// asked to start discovering only when no other session holds it running.
func (a *Adapter) StartDiscoverySession(onSuccess func(*DiscoverySession), onError func(error)) {
	a.addDiscoverySession(newCompletion(
		func() {
			s := a.newDiscoverySession()
			if onSuccess != nil {
				onSuccess(s)
			}
		},
		onError,
	))
}

func (a *Adapter) addDiscoverySession(c *completion) {
	if !a.present {
		c.resolve(ErrAdapterNotPresent)
		return
	}
	if a.discoveryRequestPending {
		log.Debug("Discovery request pending, queueing start")
		a.discoveryQueue = append(a.discoveryQueue, c)
		return
	}
	if a.discoverySessionCount > 0 {
		a.discoverySessionCount++
		c.resolve(nil)
		return
	}

	a.discoveryRequestPending = true
	epoch := a.discoveryEpoch
	a.transport.StartDiscovery(func(err error) {
		if epoch != a.discoveryEpoch {
			c.resolve(ErrAdapterNotPresent)
			return
		}
		a.onStartDiscovery(c, err)
	})
}

func (a *Adapter) onStartDiscovery(c *completion, err error) {
	a.discoveryRequestPending = false

	if err != nil && !(ErrorName(err) == BLUEZ_ERROR_IN_PROGRESS && a.discovering) {
		log.Warnf("Failed to start discovery: %v", err)
		c.resolve(err)
		a.processQueuedDiscoveryRequests()
		return
	}

	log.Info("Discovery started")
	a.discoverySessionCount = 1
	c.resolve(nil)
	a.processQueuedDiscoveryRequests()
}

func (a *Adapter) removeDiscoverySession(c *completion) {
	if !a.present {
		c.resolve(ErrAdapterNotPresent)
		return
	}
	if a.discoveryRequestPending {
		c.resolve(ErrDiscoveryBusy)
		return
	}
	if a.discoverySessionCount == 0 {
		c.resolve(ErrNotDiscovering)
		return
	}
	if a.discoverySessionCount > 1 {
		a.discoverySessionCount--
		c.resolve(nil)
		return
	}

	a.discoveryRequestPending = true
	epoch := a.discoveryEpoch
	a.transport.StopDiscovery(func(err error) {
		if epoch != a.discoveryEpoch {
			c.resolve(ErrAdapterNotPresent)
			return
		}
		a.discoveryRequestPending = false
		if err != nil {
			log.Warnf("Failed to stop discovery: %v", err)
			c.resolve(err)
		} else {
			log.Info("Discovery stopped")
			a.discoverySessionCount = 0
			c.resolve(nil)
		}
		a.processQueuedDiscoveryRequests()
	})
}

// processQueuedDiscoveryRequests replays queued starts in order until one of
// them has to wait on the daemon again.
func (a *Adapter) processQueuedDiscoveryRequests() {
	for len(a.discoveryQueue) > 0 && !a.discoveryRequestPending {
		c := a.discoveryQueue[0]
		a.discoveryQueue = a.discoveryQueue[1:]
		a.addDiscoverySession(c)
	}
}

func (a *Adapter) discoveringChanged(discovering bool) {
	if !discovering && !a.discoveryRequestPending && a.discoverySessionCount > 0 {
		log.Warnf("Discovery stopped outside of %d active session(s)", a.discoverySessionCount)
		a.discoverySessionCount = 0
		a.invalidateDiscoverySessions()
	}
	if discovering == a.discovering {
		return
	}
	a.discovering = discovering
	a.observers.notify(func(o Observer) { o.AdapterDiscoveringChanged(a, discovering) })
}
