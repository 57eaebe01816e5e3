package bluetoothtest

import (
	"fmt"

	"github.com/usenocturne/btmgr/bluetooth"
)

// Observer records every adapter notification as a short string such as
// "discovering:true" or "device-removed:00:11:22:33:44:55".
type Observer struct {
	Events []string
}

func (o *Observer) add(format string, args ...interface{}) {
	o.Events = append(o.Events, fmt.Sprintf(format, args...))
}

// Count returns how many recorded events equal event.
func (o *Observer) Count(event string) int {
	n := 0
	for _, e := range o.Events {
		if e == event {
			n++
		}
	}
	return n
}

func (o *Observer) Reset() { o.Events = nil }

func (o *Observer) AdapterPresentChanged(_ *bluetooth.Adapter, present bool) {
	o.add("present:%t", present)
}

func (o *Observer) AdapterPoweredChanged(_ *bluetooth.Adapter, powered bool) {
	o.add("powered:%t", powered)
}

func (o *Observer) AdapterDiscoverableChanged(_ *bluetooth.Adapter, discoverable bool) {
	o.add("discoverable:%t", discoverable)
}

func (o *Observer) AdapterDiscoveringChanged(_ *bluetooth.Adapter, discovering bool) {
	o.add("discovering:%t", discovering)
}

func (o *Observer) DeviceAdded(_ *bluetooth.Adapter, d *bluetooth.Device) {
	o.add("device-added:%s", d.Address())
}

func (o *Observer) DeviceChanged(_ *bluetooth.Adapter, d *bluetooth.Device) {
	o.add("device-changed:%s", d.Address())
}

func (o *Observer) DeviceRemoved(_ *bluetooth.Adapter, d *bluetooth.Device) {
	o.add("device-removed:%s", d.Address())
}

// Delegate records pairing delegate calls. OnRequest, if set, runs after
// each call is recorded so tests can answer synchronously.
type Delegate struct {
	Calls     []string
	Passkey   uint32
	Entered   uint32
	PinCode   string
	OnRequest func(d *bluetooth.Device, call string)
}

func (r *Delegate) record(d *bluetooth.Device, call string) {
	r.Calls = append(r.Calls, call)
	if r.OnRequest != nil {
		r.OnRequest(d, call)
	}
}

// Count returns how many times call was made.
func (r *Delegate) Count(call string) int {
	n := 0
	for _, c := range r.Calls {
		if c == call {
			n++
		}
	}
	return n
}

func (r *Delegate) RequestPinCode(d *bluetooth.Device) { r.record(d, "RequestPinCode") }
func (r *Delegate) RequestPasskey(d *bluetooth.Device) { r.record(d, "RequestPasskey") }

func (r *Delegate) DisplayPinCode(d *bluetooth.Device, pinCode string) {
	r.PinCode = pinCode
	r.record(d, "DisplayPinCode")
}

func (r *Delegate) DisplayPasskey(d *bluetooth.Device, passkey uint32) {
	r.Passkey = passkey
	r.record(d, "DisplayPasskey")
}

func (r *Delegate) KeysEntered(d *bluetooth.Device, entered uint32) {
	r.Entered = entered
	r.record(d, "KeysEntered")
}

func (r *Delegate) ConfirmPasskey(d *bluetooth.Device, passkey uint32) {
	r.Passkey = passkey
	r.record(d, "ConfirmPasskey")
}

func (r *Delegate) AuthorizePairing(d *bluetooth.Device) { r.record(d, "AuthorizePairing") }

var (
	_ bluetooth.Observer        = (*Observer)(nil)
	_ bluetooth.PairingDelegate = (*Delegate)(nil)
)
