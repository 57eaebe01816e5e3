package bluetooth

import (
	"os"
)

// Dispatcher runs tasks one at a time on the goroutine that owns the
// adapter state. Post must be safe to call from any goroutine.
type Dispatcher interface {
	Post(task func())
}

// Transport is the asynchronous channel to the daemon. Every call returns
// immediately; done is invoked exactly once, on the Dispatcher goroutine.
// Daemon failures are reported as *DaemonError.
type Transport interface {
	StartDiscovery(done func(error))
	StopDiscovery(done func(error))
	SetAdapterProperty(name string, value interface{}, done func(error))
	RemoveDevice(address string, done func(error))

	Connect(address string, done func(error))
	Disconnect(address string, done func(error))
	Pair(address string, done func(error))
	CancelPairing(address string, done func(error))
	SetTrusted(address string, trusted bool, done func(error))
	ConnectNetwork(address, role string, done func(iface string, err error))

	RegisterProfile(uuid string, opts ProfileOptions, handler ProfileHandler, done func(error))
	UnregisterProfile(handler ProfileHandler, done func(error))
	ConnectProfile(address, uuid string, done func(error))
}

// TransportHandler receives unsolicited notifications from the Transport.
// Methods are called on the Dispatcher goroutine.
type TransportHandler interface {
	AdapterAdded(props Properties)
	AdapterRemoved()
	AdapterPropertiesChanged(changed Properties)

	DeviceAdded(address string, props Properties)
	DevicePropertiesChanged(address string, changed Properties)
	DeviceRemoved(address string)

	AgentHandler
}

// AgentStatus is the answer given back to the daemon for an agent request.
type AgentStatus int

const (
	AgentSuccess AgentStatus = iota
	AgentRejected
	AgentCancelled
)

func (s AgentStatus) String() string {
	switch s {
	case AgentSuccess:
		return "success"
	case AgentRejected:
		return "rejected"
	case AgentCancelled:
		return "cancelled"
	}
	return "unknown"
}

type (
	PinCodeCallback      func(status AgentStatus, pinCode string)
	PasskeyCallback      func(status AgentStatus, passkey uint32)
	ConfirmationCallback func(status AgentStatus)
)

// AgentHandler receives the daemon's pairing agent requests.
type AgentHandler interface {
	RequestPinCode(address string, reply PinCodeCallback)
	DisplayPinCode(address, pinCode string)
	RequestPasskey(address string, reply PasskeyCallback)
	DisplayPasskey(address string, passkey uint32, entered uint16)
	RequestConfirmation(address string, passkey uint32, reply ConfirmationCallback)
	RequestAuthorization(address string, reply ConfirmationCallback)
	AuthorizeService(address, uuid string, reply ConfirmationCallback)
	CancelAgentRequest()
	AgentReleased()
}

// ProfileHandler receives the daemon's calls for one registered profile.
// Methods are called on the Dispatcher goroutine. The handler owns conn once
// NewConnection is called.
type ProfileHandler interface {
	NewConnection(address string, conn *os.File, opts Properties, reply ConfirmationCallback)
	RequestDisconnection(address string, reply ConfirmationCallback)
	Cancel()
	Release()
}

// ProfileOptions are the registration options of a service profile.
type ProfileOptions struct {
	Name                  string
	Role                  string
	Channel               uint16
	PSM                   uint16
	RequireAuthentication bool
	RequireAuthorization  bool
	AutoConnect           bool
	ServiceRecord         string
	Version               uint16
	Features              uint16
}

// Properties holds daemon property values keyed by property name.
type Properties map[string]interface{}

func (p Properties) Bool(name string) (bool, bool) {
	v, ok := p[name].(bool)
	return v, ok
}

func (p Properties) String(name string) (string, bool) {
	v, ok := p[name].(string)
	return v, ok
}

func (p Properties) Strings(name string) ([]string, bool) {
	v, ok := p[name].([]string)
	return v, ok
}

func (p Properties) Uint32(name string) (uint32, bool) {
	switch v := p[name].(type) {
	case uint32:
		return v, true
	case uint16:
		return uint32(v), true
	case uint8:
		return uint32(v), true
	case int:
		if v >= 0 {
			return uint32(v), true
		}
	}
	return 0, false
}

func (p Properties) Int16(name string) (int16, bool) {
	switch v := p[name].(type) {
	case int16:
		return v, true
	case int:
		return int16(v), true
	}
	return 0, false
}
