package bluetooth

import (
	"net"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "bluetooth")

// Adapter mirrors the daemon's default adapter and owns everything derived
// from it: the device registry, discovery sessions, pairing delegates and
// profile sockets. All methods must be called on the dispatcher goroutine.
type Adapter struct {
	transport  Transport
	dispatcher Dispatcher

	present      bool
	powered      bool
	discoverable bool
	discovering  bool
	name         string
	alias        string
	address      string

	devices   map[string]*Device
	observers observerList
	delegates []pairingDelegateEntry
	sockets   map[*Socket]struct{}

	discoverySessionCount   uint32
	discoveryRequestPending bool
	discoveryQueue          []*completion
	discoveryEpoch          uint64
	sessions                map[*sessionState]struct{}
}

// NewAdapter creates an adapter that is not present until the transport
// reports AdapterAdded.
func NewAdapter(t Transport, d Dispatcher) *Adapter {
	return &Adapter{
		transport:  t,
		dispatcher: d,
		devices:    make(map[string]*Device),
		sockets:    make(map[*Socket]struct{}),
		sessions:   make(map[*sessionState]struct{}),
	}
}

func (a *Adapter) IsPresent() bool      { return a.present }
func (a *Adapter) IsPowered() bool      { return a.powered }
func (a *Adapter) IsDiscoverable() bool { return a.discoverable }
func (a *Adapter) IsDiscovering() bool  { return a.discovering }
func (a *Adapter) Address() string      { return a.address }

// Name returns the user-visible adapter name.
func (a *Adapter) Name() string {
	if a.alias != "" {
		return a.alias
	}
	return a.name
}

func (a *Adapter) AddObserver(o Observer)    { a.observers.add(o) }
func (a *Adapter) RemoveObserver(o Observer) { a.observers.remove(o) }

// Devices returns the known devices sorted by address.
func (a *Adapter) Devices() []*Device {
	devices := make([]*Device, 0, len(a.devices))
	for _, d := range a.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].address < devices[j].address })
	return devices
}

// Device returns the device with the given address, or nil.
func (a *Adapter) Device(address string) *Device {
	return a.devices[CanonicalAddress(address)]
}

func (a *Adapter) SetPowered(powered bool, onSuccess func(), onError func(error)) {
	a.setProperty(ADAPTER_PROPERTY_POWERED, powered, onSuccess, onError)
}

func (a *Adapter) SetDiscoverable(discoverable bool, onSuccess func(), onError func(error)) {
	a.setProperty(ADAPTER_PROPERTY_DISCOVERABLE, discoverable, onSuccess, onError)
}

func (a *Adapter) SetName(name string, onSuccess func(), onError func(error)) {
	a.setProperty(ADAPTER_PROPERTY_ALIAS, name, onSuccess, onError)
}

func (a *Adapter) setProperty(name string, value interface{}, onSuccess func(), onError func(error)) {
	c := newCompletion(onSuccess, onError)
	if !a.present {
		c.resolve(ErrAdapterNotPresent)
		return
	}
	a.transport.SetAdapterProperty(name, value, c.resolve)
}

// AddPairingDelegate registers d. Higher priority delegates come first;
// equal priorities keep registration order. Re-adding a delegate moves it.
func (a *Adapter) AddPairingDelegate(d PairingDelegate, priority PairingDelegatePriority) {
	a.removeDelegateEntry(d)

	i := 0
	for ; i < len(a.delegates); i++ {
		if a.delegates[i].priority < priority {
			break
		}
	}
	a.delegates = append(a.delegates, pairingDelegateEntry{})
	copy(a.delegates[i+1:], a.delegates[i:])
	a.delegates[i] = pairingDelegateEntry{delegate: d, priority: priority}
}

// RemovePairingDelegate unregisters d and ends every pairing using it.
func (a *Adapter) RemovePairingDelegate(d PairingDelegate) {
	if !a.removeDelegateEntry(d) {
		return
	}
	for _, device := range a.devices {
		if p := device.pairing; p != nil && p.delegate == d {
			device.endPairing()
		}
	}
}

func (a *Adapter) removeDelegateEntry(d PairingDelegate) bool {
	for i, entry := range a.delegates {
		if entry.delegate == d {
			a.delegates = append(a.delegates[:i], a.delegates[i+1:]...)
			return true
		}
	}
	return false
}

// DefaultPairingDelegate returns the delegate used for incoming pairing
// requests, or nil.
func (a *Adapter) DefaultPairingDelegate() PairingDelegate {
	if len(a.delegates) == 0 {
		return nil
	}
	return a.delegates[0].delegate
}

// AdapterAdded implements TransportHandler.
func (a *Adapter) AdapterAdded(props Properties) {
	if a.present {
		log.Warnf("Ignoring additional adapter %v", props[ADAPTER_PROPERTY_ADDRESS])
		return
	}
	a.present = true
	log.Infof("Adapter present: %v", props[ADAPTER_PROPERTY_ADDRESS])
	a.observers.notify(func(o Observer) { o.AdapterPresentChanged(a, true) })

	a.AdapterPropertiesChanged(props)

	for s := range a.sockets {
		s.adapterPresentChanged(true)
	}
}

// AdapterRemoved implements TransportHandler. It tears down all state that
// depends on the adapter so nothing waits on a daemon object that is gone.
func (a *Adapter) AdapterRemoved() {
	if !a.present {
		return
	}
	log.Info("Adapter removed")

	if a.powered {
		a.powered = false
		a.observers.notify(func(o Observer) { o.AdapterPoweredChanged(a, false) })
	}
	if a.discoverable {
		a.discoverable = false
		a.observers.notify(func(o Observer) { o.AdapterDiscoverableChanged(a, false) })
	}

	a.discoverySessionCount = 0
	a.discoveryRequestPending = false
	a.discoveryEpoch++
	a.invalidateDiscoverySessions()
	queue := a.discoveryQueue
	a.discoveryQueue = nil
	for _, c := range queue {
		c.resolve(ErrAdapterNotPresent)
	}
	if a.discovering {
		a.discovering = false
		a.observers.notify(func(o Observer) { o.AdapterDiscoveringChanged(a, false) })
	}

	devices := a.devices
	a.devices = make(map[string]*Device)
	for _, d := range devices {
		d.teardown(ErrAdapterNotPresent)
		a.observers.notify(func(o Observer) { o.DeviceRemoved(a, d) })
	}

	for s := range a.sockets {
		s.adapterPresentChanged(false)
	}

	a.present = false
	a.name, a.alias, a.address = "", "", ""
	a.observers.notify(func(o Observer) { o.AdapterPresentChanged(a, false) })
}

// AdapterPropertiesChanged implements TransportHandler.
func (a *Adapter) AdapterPropertiesChanged(changed Properties) {
	if !a.present {
		return
	}
	if v, ok := changed.String(ADAPTER_PROPERTY_ADDRESS); ok {
		a.address = CanonicalAddress(v)
	}
	if v, ok := changed.String(ADAPTER_PROPERTY_NAME); ok {
		a.name = v
	}
	if v, ok := changed.String(ADAPTER_PROPERTY_ALIAS); ok {
		a.alias = v
	}
	if v, ok := changed.Bool(ADAPTER_PROPERTY_POWERED); ok && v != a.powered {
		a.powered = v
		a.observers.notify(func(o Observer) { o.AdapterPoweredChanged(a, v) })
	}
	if v, ok := changed.Bool(ADAPTER_PROPERTY_DISCOVERABLE); ok && v != a.discoverable {
		a.discoverable = v
		a.observers.notify(func(o Observer) { o.AdapterDiscoverableChanged(a, v) })
	}
	if v, ok := changed.Bool(ADAPTER_PROPERTY_DISCOVERING); ok {
		a.discoveringChanged(v)
	}
}

// DeviceAdded implements TransportHandler.
func (a *Adapter) DeviceAdded(address string, props Properties) {
	if !a.present {
		return
	}
	address = CanonicalAddress(address)
	if d, ok := a.devices[address]; ok {
		d.update(props)
		a.notifyDeviceChanged(d)
		return
	}

	d := newDevice(a, address)
	d.update(props)
	a.devices[address] = d
	log.Debugf("Device added: %s", address)
	a.observers.notify(func(o Observer) { o.DeviceAdded(a, d) })
}

// DevicePropertiesChanged implements TransportHandler.
func (a *Adapter) DevicePropertiesChanged(address string, changed Properties) {
	d := a.devices[CanonicalAddress(address)]
	if d == nil {
		return
	}
	d.update(changed)

	paired, _ := changed.Bool(DEVICE_PROPERTY_PAIRED)
	connected, hasConnected := changed.Bool(DEVICE_PROPERTY_CONNECTED)
	// An incoming pairing is over once the device pairs or drops the link.
	if p := d.pairing; p != nil && !p.outgoing && (paired || (hasConnected && !connected)) {
		d.endPairing()
	}

	// Newly paired devices are trusted so the user does not have to approve
	// each of their incoming connections.
	if paired && !d.trusted {
		d.setTrusted()
	}
	a.notifyDeviceChanged(d)
}

// DeviceRemoved implements TransportHandler.
func (a *Adapter) DeviceRemoved(address string) {
	a.removeDevice(CanonicalAddress(address))
}

func (a *Adapter) removeDevice(address string) {
	d, ok := a.devices[address]
	if !ok {
		return
	}
	delete(a.devices, address)
	d.teardown(ErrDeviceRemoved)
	log.Debugf("Device removed: %s", address)
	a.observers.notify(func(o Observer) { o.DeviceRemoved(a, d) })
}

func (a *Adapter) notifyDeviceChanged(d *Device) {
	if a.devices[d.address] != d {
		return
	}
	a.observers.notify(func(o Observer) { o.DeviceChanged(a, d) })
}

// pairingFor returns the pairing context for an agent request. Devices
// without their own context get one with the default delegate; nil means
// the request must be rejected.
func (a *Adapter) pairingFor(address string) *Pairing {
	d := a.devices[CanonicalAddress(address)]
	if d == nil {
		log.Warnf("Pairing agent request for unknown device %s", address)
		return nil
	}
	if d.pairing != nil {
		return d.pairing
	}
	delegate := a.DefaultPairingDelegate()
	if delegate == nil {
		return nil
	}
	return d.beginPairing(delegate, false)
}

// RequestPinCode implements AgentHandler.
func (a *Adapter) RequestPinCode(address string, reply PinCodeCallback) {
	p := a.pairingFor(address)
	if p == nil {
		reply(AgentRejected, "")
		return
	}
	p.requestPinCode(reply)
}

// DisplayPinCode implements AgentHandler.
func (a *Adapter) DisplayPinCode(address, pinCode string) {
	if p := a.pairingFor(address); p != nil {
		p.displayPinCode(pinCode)
	}
}

// RequestPasskey implements AgentHandler.
func (a *Adapter) RequestPasskey(address string, reply PasskeyCallback) {
	p := a.pairingFor(address)
	if p == nil {
		reply(AgentRejected, 0)
		return
	}
	p.requestPasskey(reply)
}

// DisplayPasskey implements AgentHandler.
func (a *Adapter) DisplayPasskey(address string, passkey uint32, entered uint16) {
	if p := a.pairingFor(address); p != nil {
		p.displayPasskey(passkey, entered)
	}
}

// RequestConfirmation implements AgentHandler.
func (a *Adapter) RequestConfirmation(address string, passkey uint32, reply ConfirmationCallback) {
	p := a.pairingFor(address)
	if p == nil {
		reply(AgentRejected)
		return
	}
	p.requestConfirmation(passkey, reply)
}

// RequestAuthorization implements AgentHandler.
func (a *Adapter) RequestAuthorization(address string, reply ConfirmationCallback) {
	p := a.pairingFor(address)
	if p == nil {
		reply(AgentRejected)
		return
	}
	p.requestAuthorization(reply)
}

// AuthorizeService implements AgentHandler. Only paired or trusted devices
// may use local services.
func (a *Adapter) AuthorizeService(address, uuid string, reply ConfirmationCallback) {
	d := a.devices[CanonicalAddress(address)]
	if d == nil || (!d.paired && !d.trusted) {
		log.Infof("Rejecting service %s for %s", uuid, address)
		reply(AgentRejected)
		return
	}
	reply(AgentSuccess)
}

// CancelAgentRequest implements AgentHandler. The daemon gave up on its
// outstanding request, so every open reply slot is answered and dropped and
// incoming pairings end.
func (a *Adapter) CancelAgentRequest() {
	for _, d := range a.devices {
		p := d.pairing
		if p == nil {
			continue
		}
		p.cancelPairing()
		if !p.outgoing && d.pairing == p {
			d.endPairing()
		}
	}
}

// AgentReleased implements AgentHandler.
func (a *Adapter) AgentReleased() {
	log.Info("Agent released")
}

// CanonicalAddress normalises a Bluetooth address to upper-case
// colon-separated form. Strings that are not addresses are only upper-cased.
func CanonicalAddress(address string) string {
	s := strings.ReplaceAll(address, "_", ":")
	if mac, err := net.ParseMAC(s); err == nil && len(mac) == 6 {
		return strings.ToUpper(mac.String())
	}
	return strings.ToUpper(s)
}

const bluetoothBaseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// CanonicalUUID expands 16 and 32 bit service UUIDs against the Bluetooth
// base UUID and returns the lower-case 128 bit form.
func CanonicalUUID(s string) (string, error) {
	short := strings.TrimPrefix(strings.ToLower(s), "0x")
	switch len(short) {
	case 4:
		short = "0000" + short + bluetoothBaseUUIDSuffix
	case 8:
		short += bluetoothBaseUUIDSuffix
	}
	id, err := uuid.Parse(short)
	if err != nil {
		return "", errors.Wrapf(err, "invalid service uuid %q", s)
	}
	return id.String(), nil
}
