// Package bluetoothtest provides an in-memory daemon for exercising the
// bluetooth package without D-Bus.
package bluetoothtest

import (
	"github.com/usenocturne/btmgr/bluetooth"
)

// Call is one recorded transport call.
type Call struct {
	Method  string
	Address string
	Args    []interface{}

	done        func(error)
	networkDone func(string, error)
	resolved    bool
}

type autoReply struct {
	err   error
	iface string
}

// Transport records calls and leaves them pending until the test completes
// them, unless an automatic reply was configured for the method. Results
// are delivered through the dispatcher like a real transport would.
type Transport struct {
	Dispatcher bluetooth.Dispatcher
	Calls      []*Call

	auto     map[string]autoReply
	profiles map[string]bluetooth.ProfileHandler
}

func NewTransport(d bluetooth.Dispatcher) *Transport {
	return &Transport{
		Dispatcher: d,
		auto:       make(map[string]autoReply),
		profiles:   make(map[string]bluetooth.ProfileHandler),
	}
}

// AutoReply makes every later call to method complete with err.
func (t *Transport) AutoReply(method string, err error) {
	t.auto[method] = autoReply{err: err}
}

// AutoReplyNetwork makes ConnectNetwork succeed with iface.
func (t *Transport) AutoReplyNetwork(iface string) {
	t.auto["ConnectNetwork"] = autoReply{iface: iface}
}

// ClearAutoReply leaves later calls to method pending again.
func (t *Transport) ClearAutoReply(method string) {
	delete(t.auto, method)
}

// Count returns how many times method was called.
func (t *Transport) Count(method string) int {
	n := 0
	for _, c := range t.Calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Pending returns how many calls to method still await a result.
func (t *Transport) Pending(method string) int {
	n := 0
	for _, c := range t.Calls {
		if c.Method == method && !c.resolved {
			n++
		}
	}
	return n
}

// Last returns the most recent call to method, or nil.
func (t *Transport) Last(method string) *Call {
	for i := len(t.Calls) - 1; i >= 0; i-- {
		if t.Calls[i].Method == method {
			return t.Calls[i]
		}
	}
	return nil
}

// Complete resolves the oldest pending call to method with err. It reports
// false if nothing was pending.
func (t *Transport) Complete(method string, err error) bool {
	return t.complete(method, "", err)
}

// CompleteNetwork resolves the oldest pending ConnectNetwork call.
func (t *Transport) CompleteNetwork(iface string, err error) bool {
	return t.complete("ConnectNetwork", iface, err)
}

func (t *Transport) complete(method, iface string, err error) bool {
	for _, c := range t.Calls {
		if c.Method == method && !c.resolved {
			t.resolve(c, iface, err)
			return true
		}
	}
	return false
}

func (t *Transport) resolve(c *Call, iface string, err error) {
	c.resolved = true
	t.Dispatcher.Post(func() {
		if c.networkDone != nil {
			c.networkDone(iface, err)
			return
		}
		if c.done != nil {
			c.done(err)
		}
	})
}

func (t *Transport) record(c *Call) {
	t.Calls = append(t.Calls, c)
	if r, ok := t.auto[c.Method]; ok {
		t.resolve(c, r.iface, r.err)
	}
}

// Profile returns the handler registered for uuid, or nil.
func (t *Transport) Profile(uuid string) bluetooth.ProfileHandler {
	return t.profiles[uuid]
}

func (t *Transport) StartDiscovery(done func(error)) {
	t.record(&Call{Method: "StartDiscovery", done: done})
}

func (t *Transport) StopDiscovery(done func(error)) {
	t.record(&Call{Method: "StopDiscovery", done: done})
}

func (t *Transport) SetAdapterProperty(name string, value interface{}, done func(error)) {
	t.record(&Call{Method: "SetAdapterProperty", Args: []interface{}{name, value}, done: done})
}

func (t *Transport) RemoveDevice(address string, done func(error)) {
	t.record(&Call{Method: "RemoveDevice", Address: address, done: done})
}

func (t *Transport) Connect(address string, done func(error)) {
	t.record(&Call{Method: "Connect", Address: address, done: done})
}

func (t *Transport) Disconnect(address string, done func(error)) {
	t.record(&Call{Method: "Disconnect", Address: address, done: done})
}

func (t *Transport) Pair(address string, done func(error)) {
	t.record(&Call{Method: "Pair", Address: address, done: done})
}

func (t *Transport) CancelPairing(address string, done func(error)) {
	t.record(&Call{Method: "CancelPairing", Address: address, done: done})
}

func (t *Transport) SetTrusted(address string, trusted bool, done func(error)) {
	t.record(&Call{Method: "SetTrusted", Address: address, Args: []interface{}{trusted}, done: done})
}

func (t *Transport) ConnectNetwork(address, role string, done func(string, error)) {
	t.record(&Call{Method: "ConnectNetwork", Address: address, Args: []interface{}{role}, networkDone: done})
}

func (t *Transport) RegisterProfile(uuid string, opts bluetooth.ProfileOptions, handler bluetooth.ProfileHandler, done func(error)) {
	t.profiles[uuid] = handler
	t.record(&Call{Method: "RegisterProfile", Args: []interface{}{uuid, opts}, done: done})
}

func (t *Transport) UnregisterProfile(handler bluetooth.ProfileHandler, done func(error)) {
	for uuid, h := range t.profiles {
		if h == handler {
			delete(t.profiles, uuid)
		}
	}
	t.record(&Call{Method: "UnregisterProfile", done: done})
}

func (t *Transport) ConnectProfile(address, uuid string, done func(error)) {
	t.record(&Call{Method: "ConnectProfile", Address: address, Args: []interface{}{uuid}, done: done})
}

var _ bluetooth.Transport = (*Transport)(nil)
