package bluetooth

import (
	"fmt"
	"regexp"
	"strconv"
)

type DeviceType int

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeComputer
	DeviceTypePhone
	DeviceTypeModem
	DeviceTypeAudio
	DeviceTypeCarAudio
	DeviceTypeVideo
	DeviceTypePeripheral
	DeviceTypeJoystick
	DeviceTypeGamepad
	DeviceTypeKeyboard
	DeviceTypeMouse
	DeviceTypeTablet
	DeviceTypeKeyboardMouseCombo
)

var deviceTypeNames = map[DeviceType]string{
	DeviceTypeUnknown:            "unknown",
	DeviceTypeComputer:           "computer",
	DeviceTypePhone:              "phone",
	DeviceTypeModem:              "modem",
	DeviceTypeAudio:              "audio",
	DeviceTypeCarAudio:           "car-audio",
	DeviceTypeVideo:              "video",
	DeviceTypePeripheral:         "peripheral",
	DeviceTypeJoystick:           "joystick",
	DeviceTypeGamepad:            "gamepad",
	DeviceTypeKeyboard:           "keyboard",
	DeviceTypeMouse:              "mouse",
	DeviceTypeTablet:             "tablet",
	DeviceTypeKeyboardMouseCombo: "keyboard-mouse-combo",
}

func (t DeviceType) String() string {
	if name, ok := deviceTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

type VendorIDSource int

const (
	VendorIDSourceUnknown VendorIDSource = iota
	VendorIDSourceBluetooth
	VendorIDSourceUSB
)

var modaliasPattern = regexp.MustCompile(`^(usb|bluetooth):v([0-9A-Fa-f]{4})p([0-9A-Fa-f]{4})d([0-9A-Fa-f]{4})$`)

// Device is one remote peer known to the adapter.
type Device struct {
	adapter *Adapter
	address string

	name          string
	alias         string
	icon          string
	class         uint32
	appearance    uint32
	rssi          int16
	paired        bool
	trusted       bool
	blocked       bool
	connected     bool
	legacyPairing bool
	uuids         []string
	modalias      string
	battery       int

	connectingCount int
	pairing         *Pairing
	inflight        map[*completion]struct{}
	removed         bool
}

func newDevice(a *Adapter, address string) *Device {
	return &Device{
		adapter:  a,
		address:  address,
		battery:  -1,
		inflight: make(map[*completion]struct{}),
	}
}

func (d *Device) Address() string    { return d.address }
func (d *Device) Icon() string       { return d.icon }
func (d *Device) Class() uint32      { return d.class }
func (d *Device) Appearance() uint32 { return d.appearance }
func (d *Device) RSSI() int16        { return d.rssi }
func (d *Device) IsPaired() bool     { return d.paired }
func (d *Device) IsTrusted() bool    { return d.trusted }
func (d *Device) IsBlocked() bool    { return d.blocked }
func (d *Device) IsConnected() bool  { return d.connected }
func (d *Device) IsConnecting() bool { return d.connectingCount > 0 }
func (d *Device) Modalias() string   { return d.modalias }

func (d *Device) SupportsLegacyPairing() bool { return d.legacyPairing }

// BatteryPercentage reports the remaining battery, if the device exposes it.
func (d *Device) BatteryPercentage() (int, bool) {
	return d.battery, d.battery >= 0
}

// Name prefers the user-assigned alias over the advertised name.
func (d *Device) Name() string {
	if d.alias != "" {
		return d.alias
	}
	return d.name
}

func (d *Device) UUIDs() []string {
	return append([]string(nil), d.uuids...)
}

// Pairing returns the active pairing context, or nil.
func (d *Device) Pairing() *Pairing { return d.pairing }

func (d *Device) ExpectingPinCode() bool {
	return d.pairing != nil && d.pairing.state == PairingStateAwaitingPinCode
}

func (d *Device) ExpectingPasskey() bool {
	return d.pairing != nil && d.pairing.state == PairingStateAwaitingPasskey
}

func (d *Device) ExpectingConfirmation() bool {
	return d.pairing != nil &&
		(d.pairing.state == PairingStateAwaitingConfirmation || d.pairing.state == PairingStateAwaitingAuthorization)
}

// DeviceType derives the kind of device from its class of device.
func (d *Device) DeviceType() DeviceType {
	class := d.class
	minor := (class & 0xfc) >> 2

	switch (class & 0x1f00) >> 8 {
	case 0x01:
		return DeviceTypeComputer
	case 0x02:
		switch minor {
		case 0x01, 0x02, 0x03, 0x05:
			return DeviceTypePhone
		case 0x04, 0x06:
			return DeviceTypeModem
		}
	case 0x04:
		switch minor {
		case 0x08:
			return DeviceTypeCarAudio
		case 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10:
			return DeviceTypeVideo
		default:
			return DeviceTypeAudio
		}
	case 0x05:
		switch (class & 0xc0) >> 6 {
		case 0x00:
			switch (class & 0x1e) >> 2 {
			case 0x01:
				return DeviceTypeJoystick
			case 0x02:
				return DeviceTypeGamepad
			default:
				return DeviceTypePeripheral
			}
		case 0x01:
			return DeviceTypeKeyboard
		case 0x02:
			if (class&0x1e)>>2 == 0x05 {
				return DeviceTypeTablet
			}
			return DeviceTypeMouse
		case 0x03:
			return DeviceTypeKeyboardMouseCombo
		}
	}
	return DeviceTypeUnknown
}

// DeviceID holds the vendor and product identifiers parsed from a modalias.
type DeviceID struct {
	Source  VendorIDSource
	Vendor  uint16
	Product uint16
	Device  uint16
}

func (d *Device) DeviceID() DeviceID {
	m := modaliasPattern.FindStringSubmatch(d.modalias)
	if m == nil {
		return DeviceID{}
	}

	id := DeviceID{Source: VendorIDSourceBluetooth}
	if m[1] == "usb" {
		id.Source = VendorIDSourceUSB
	}
	id.Vendor = parseHex16(m[2])
	id.Product = parseHex16(m[3])
	id.Device = parseHex16(m[4])
	return id
}

func parseHex16(s string) uint16 {
	v, _ := strconv.ParseUint(s, 16, 16)
	return uint16(v)
}

// IsPairable reports whether pairing should be attempted before connecting.
// A few devices misbehave when paired.
func (d *Device) IsPairable() bool {
	oui := ""
	if len(d.address) >= 8 {
		oui = d.address[:8]
	}
	if d.DeviceType() == DeviceTypeMouse && (oui == "00:12:A1" || oui == "7C:ED:8D") {
		return false
	}
	return !d.IsTrustable()
}

// IsTrustable reports devices that can only be trusted, never paired.
func (d *Device) IsTrustable() bool {
	id := d.DeviceID()
	return id.Vendor == 0x054c && id.Product == 0x0268 && d.Name() == "PLAYSTATION(R)3 Controller"
}

func (d *Device) update(props Properties) {
	if v, ok := props.String(DEVICE_PROPERTY_NAME); ok {
		d.name = v
	}
	if v, ok := props.String(DEVICE_PROPERTY_ALIAS); ok {
		d.alias = v
	}
	if v, ok := props.String(DEVICE_PROPERTY_ICON); ok {
		d.icon = v
	}
	if v, ok := props.Uint32(DEVICE_PROPERTY_CLASS); ok {
		d.class = v
	}
	if v, ok := props.Uint32(DEVICE_PROPERTY_APPEARANCE); ok {
		d.appearance = v
	}
	if v, ok := props.Int16(DEVICE_PROPERTY_RSSI); ok {
		d.rssi = v
	}
	if v, ok := props.Bool(DEVICE_PROPERTY_PAIRED); ok {
		d.paired = v
	}
	if v, ok := props.Bool(DEVICE_PROPERTY_TRUSTED); ok {
		d.trusted = v
	}
	if v, ok := props.Bool(DEVICE_PROPERTY_BLOCKED); ok {
		d.blocked = v
	}
	if v, ok := props.Bool(DEVICE_PROPERTY_CONNECTED); ok {
		d.connected = v
	}
	if v, ok := props.Bool(DEVICE_PROPERTY_LEGACY_PAIRING); ok {
		d.legacyPairing = v
	}
	if v, ok := props.Strings(DEVICE_PROPERTY_UUIDS); ok {
		d.uuids = d.uuids[:0]
		for _, u := range v {
			if canonical, err := CanonicalUUID(u); err == nil {
				d.uuids = append(d.uuids, canonical)
			}
		}
	}
	if v, ok := props.String(DEVICE_PROPERTY_MODALIAS); ok {
		d.modalias = v
	}
	if v, ok := props.Uint32(DEVICE_PROPERTY_BATTERY_PERCENTAGE); ok {
		d.battery = int(v)
	} else if v, present := props[DEVICE_PROPERTY_BATTERY_PERCENTAGE]; present && v == nil {
		// nil means the battery interface went away
		d.battery = -1
	}
}

// Connect connects to the device, pairing first through delegate when the
// device is not yet paired. Pass a nil delegate to connect without pairing.
func (d *Device) Connect(delegate PairingDelegate, onSuccess func(), onError func(error)) {
	c := d.track(onSuccess, onError)
	if c == nil {
		return
	}

	d.connectingCount++
	if d.connectingCount == 1 {
		d.adapter.notifyDeviceChanged(d)
	}

	if d.paired || delegate == nil || !d.IsPairable() {
		d.connectInternal(c)
		return
	}

	p := d.beginPairing(delegate, true)
	log.Infof("Pairing with %s before connecting", d.address)
	d.adapter.transport.Pair(d.address, func(err error) {
		if d.removed {
			return
		}
		if d.pairing == p {
			d.endPairing()
		}
		if err != nil {
			log.Warnf("Failed to pair with %s: %v", d.address, err)
			d.finishConnect(c, pairError(err))
			return
		}
		d.connectInternal(c)
	})
}

func (d *Device) connectInternal(c *completion) {
	log.Infof("Connecting to %s", d.address)
	d.adapter.transport.Connect(d.address, func(err error) {
		if d.removed {
			return
		}
		if err != nil {
			log.Warnf("Failed to connect to %s: %v", d.address, err)
			d.finishConnect(c, connectError(err))
			return
		}
		log.Infof("Device connected: %s", d.address)
		d.finishConnect(c, nil)
	})
}

func (d *Device) finishConnect(c *completion, err error) {
	if !c.pending() {
		return
	}
	delete(d.inflight, c)

	d.connectingCount--
	if d.connectingCount == 0 {
		d.adapter.notifyDeviceChanged(d)
	}
	if err == nil {
		d.setTrusted()
	}
	c.resolve(err)
}

// Pair pairs with the device through delegate without connecting.
func (d *Device) Pair(delegate PairingDelegate, onSuccess func(), onError func(error)) {
	c := d.track(onSuccess, onError)
	if c == nil {
		return
	}

	// Without a delegate, agent requests go to the default delegate.
	var p *Pairing
	if delegate != nil {
		p = d.beginPairing(delegate, true)
	}
	d.adapter.transport.Pair(d.address, func(err error) {
		if d.removed {
			return
		}
		if p != nil && d.pairing == p {
			d.endPairing()
		}
		delete(d.inflight, c)
		if err != nil {
			log.Warnf("Failed to pair with %s: %v", d.address, err)
			c.resolve(pairError(err))
			return
		}
		log.Infof("Device paired: %s", d.address)
		c.resolve(nil)
	})
}

// track registers a connect or pair completion so that it is failed if the
// device goes away first. It returns nil if the device is already gone.
func (d *Device) track(onSuccess func(), onError func(error)) *completion {
	c := newCompletion(onSuccess, onError)
	if d.removed {
		c.resolve(&ConnectError{Code: ConnectErrorUnknown, Err: ErrDeviceRemoved})
		return nil
	}
	d.inflight[c] = struct{}{}
	return c
}

func (d *Device) Disconnect(onSuccess func(), onError func(error)) {
	c := newCompletion(onSuccess, onError)
	if d.removed {
		c.resolve(ErrDeviceRemoved)
		return
	}
	d.adapter.transport.Disconnect(d.address, func(err error) {
		if err != nil {
			log.Warnf("Failed to disconnect %s: %v", d.address, err)
		} else {
			log.Infof("Device disconnected: %s", d.address)
		}
		c.resolve(err)
	})
}

// Forget removes the device and its pairing from the daemon.
func (d *Device) Forget(onSuccess func(), onError func(error)) {
	c := newCompletion(onSuccess, onError)
	if d.removed {
		c.resolve(ErrDeviceRemoved)
		return
	}
	a := d.adapter
	a.transport.RemoveDevice(d.address, func(err error) {
		if err != nil {
			log.Warnf("Failed to remove %s: %v", d.address, err)
			c.resolve(err)
			return
		}
		a.removeDevice(d.address)
		c.resolve(nil)
	})
}

// ConnectNetwork connects to the device's PAN service in role and reports
// the network interface the daemon created.
func (d *Device) ConnectNetwork(role string, onSuccess func(iface string), onError func(error)) {
	if d.removed {
		if onError != nil {
			onError(ErrDeviceRemoved)
		}
		return
	}
	d.adapter.transport.ConnectNetwork(d.address, role, func(iface string, err error) {
		if err != nil {
			log.Warnf("Failed to connect network %s on %s: %v", role, d.address, err)
			if onError != nil {
				onError(err)
			}
			return
		}
		log.Infof("Network %s connected on %s via %s", role, d.address, iface)
		if onSuccess != nil {
			onSuccess(iface)
		}
	})
}

func (d *Device) SetPinCode(pinCode string) {
	if d.pairing != nil {
		d.pairing.setPinCode(pinCode)
	}
}

func (d *Device) SetPasskey(passkey uint32) {
	if d.pairing != nil {
		d.pairing.setPasskey(passkey)
	}
}

func (d *Device) ConfirmPairing() {
	if d.pairing != nil {
		d.pairing.confirmPairing()
	}
}

func (d *Device) RejectPairing() {
	if d.pairing != nil {
		d.pairing.rejectPairing()
	}
}

// CancelPairing answers any open request as cancelled. With nothing to
// answer the daemon is asked to cancel directly. The pairing context is
// dropped either way.
func (d *Device) CancelPairing() {
	cancelled := false
	if d.pairing != nil {
		cancelled = d.pairing.cancelPairing()
	}
	if !cancelled && !d.removed {
		d.adapter.transport.CancelPairing(d.address, func(err error) {
			if err != nil {
				log.Warnf("Failed to cancel pairing with %s: %v", d.address, err)
			}
		})
	}
	d.endPairing()
}

func (d *Device) beginPairing(delegate PairingDelegate, outgoing bool) *Pairing {
	d.endPairing()
	d.pairing = newPairing(d, delegate, outgoing)
	return d.pairing
}

func (d *Device) endPairing() {
	p := d.pairing
	if p == nil {
		return
	}
	d.pairing = nil
	p.abandon()
}

func (d *Device) setTrusted() {
	if d.trusted || d.removed {
		return
	}
	d.adapter.transport.SetTrusted(d.address, true, func(err error) {
		if err != nil {
			log.Warnf("Failed to trust %s: %v", d.address, err)
		}
	})
}

// teardown fails everything still waiting on the device.
func (d *Device) teardown(reason error) {
	d.removed = true
	d.endPairing()
	d.connectingCount = 0

	inflight := d.inflight
	d.inflight = make(map[*completion]struct{})
	for c := range inflight {
		c.resolve(&ConnectError{Code: ConnectErrorUnknown, Err: reason})
	}
}

func (d *Device) String() string {
	if name := d.Name(); name != "" {
		return fmt.Sprintf("%s (%s)", name, d.address)
	}
	return d.address
}
