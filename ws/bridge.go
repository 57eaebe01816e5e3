package ws

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/usenocturne/btmgr/bluetooth"
	"github.com/usenocturne/btmgr/utils"
)

const (
	RequestPinCode        = "pincode"
	RequestPasskey        = "passkey"
	RequestConfirmation   = "confirmation"
	RequestAuthorization  = "authorization"
	RequestDisplayPinCode = "display-pincode"
	RequestDisplayPasskey = "display-passkey"
)

var (
	ErrNoPairingRequest = errors.New("no pairing request in progress")
	ErrPairingExpired   = errors.New("pairing request is no longer pending")
	ErrInvalidAnswer    = errors.New("invalid pairing answer")
)

type Broadcaster interface {
	Broadcast(event utils.WebSocketEvent)
}

// Bridge forwards adapter events and pairing requests to websocket clients
// and applies their answers. All methods must run on the adapter's
// dispatcher goroutine.
type Bridge struct {
	adapter *bluetooth.Adapter
	out     Broadcaster

	requests  []*utils.PairingRequest
	connected map[string]bool
	paired    map[string]bool
}

func NewBridge(adapter *bluetooth.Adapter, out Broadcaster) *Bridge {
	return &Bridge{
		adapter:   adapter,
		out:       out,
		connected: make(map[string]bool),
		paired:    make(map[string]bool),
	}
}

// Attach starts observing the adapter and answering pairing requests.
func (b *Bridge) Attach(priority bluetooth.PairingDelegatePriority) {
	b.adapter.AddObserver(b)
	b.adapter.AddPairingDelegate(b, priority)
	for _, d := range b.adapter.Devices() {
		b.connected[d.Address()] = d.IsConnected()
		b.paired[d.Address()] = d.IsPaired()
	}
}

func (b *Bridge) Detach() {
	b.adapter.RemovePairingDelegate(b)
	b.adapter.RemoveObserver(b)
}

func (b *Bridge) broadcast(eventType string, payload interface{}) {
	b.out.Broadcast(utils.WebSocketEvent{Type: eventType, Payload: payload})
}

func (b *Bridge) adapterChanged() {
	b.broadcast("bluetooth/adapter", utils.NewAdapterInfo(b.adapter))
}

func (b *Bridge) AdapterPresentChanged(*bluetooth.Adapter, bool)      { b.adapterChanged() }
func (b *Bridge) AdapterPoweredChanged(*bluetooth.Adapter, bool)      { b.adapterChanged() }
func (b *Bridge) AdapterDiscoverableChanged(*bluetooth.Adapter, bool) { b.adapterChanged() }
func (b *Bridge) AdapterDiscoveringChanged(*bluetooth.Adapter, bool)  { b.adapterChanged() }

func (b *Bridge) DeviceAdded(_ *bluetooth.Adapter, d *bluetooth.Device) {
	b.connected[d.Address()] = d.IsConnected()
	b.paired[d.Address()] = d.IsPaired()
	b.broadcast("bluetooth/device/added", utils.DevicePayload{Device: utils.NewBluetoothDeviceInfo(d)})
}

func (b *Bridge) DeviceChanged(_ *bluetooth.Adapter, d *bluetooth.Device) {
	address := d.Address()

	if connected := d.IsConnected(); connected != b.connected[address] {
		b.connected[address] = connected
		if connected {
			log.Infof("Device connected: %s", address)
			b.broadcast("bluetooth/connect", utils.DeviceConnectedPayload{Address: address})
		} else {
			log.Infof("Device disconnected: %s", address)
			b.broadcast("bluetooth/disconnect", utils.DeviceDisconnectedPayload{Address: address})
		}
	}

	if paired := d.IsPaired(); paired != b.paired[address] {
		b.paired[address] = paired
		if paired {
			b.dropRequest(address)
			b.broadcast("bluetooth/paired", utils.DevicePairedPayload{Device: utils.NewBluetoothDeviceInfo(d)})
		}
	}

	b.broadcast("bluetooth/device/changed", utils.DevicePayload{Device: utils.NewBluetoothDeviceInfo(d)})
}

func (b *Bridge) DeviceRemoved(_ *bluetooth.Adapter, d *bluetooth.Device) {
	address := d.Address()
	delete(b.connected, address)
	delete(b.paired, address)
	if b.dropRequest(address) != nil {
		b.broadcast("bluetooth/pairing/cancelled", utils.DeviceDisconnectedPayload{Address: address})
	}
	b.broadcast("bluetooth/device/removed", utils.DeviceDisconnectedPayload{Address: address})
}

func (b *Bridge) RequestPinCode(d *bluetooth.Device) {
	b.request(d, RequestPinCode, "")
}

func (b *Bridge) RequestPasskey(d *bluetooth.Device) {
	b.request(d, RequestPasskey, "")
}

func (b *Bridge) DisplayPinCode(d *bluetooth.Device, pinCode string) {
	b.request(d, RequestDisplayPinCode, pinCode)
}

func (b *Bridge) DisplayPasskey(d *bluetooth.Device, passkey uint32) {
	b.request(d, RequestDisplayPasskey, fmt.Sprintf("%06d", passkey))
}

func (b *Bridge) KeysEntered(d *bluetooth.Device, entered uint32) {
	b.broadcast("bluetooth/pairing/keys-entered", utils.KeysEnteredPayload{Address: d.Address(), Entered: entered})
}

func (b *Bridge) ConfirmPasskey(d *bluetooth.Device, passkey uint32) {
	b.request(d, RequestConfirmation, fmt.Sprintf("%06d", passkey))
}

func (b *Bridge) AuthorizePairing(d *bluetooth.Device) {
	b.request(d, RequestAuthorization, "")
}

// request records a new request for d, replacing any earlier one for the
// same device, and announces it.
func (b *Bridge) request(d *bluetooth.Device, requestType, key string) {
	b.dropRequest(d.Address())

	req := &utils.PairingRequest{
		ID:          uuid.NewString(),
		Address:     d.Address(),
		RequestType: requestType,
		Passkey:     key,
	}
	b.requests = append(b.requests, req)
	log.Infof("Pairing request %s (%s) from %s", req.ID, requestType, d.Address())

	b.broadcast("bluetooth/pairing", utils.PairingStartedPayload{
		ID:          req.ID,
		Address:     req.Address,
		RequestType: requestType,
		PairingKey:  key,
	})
}

func (b *Bridge) dropRequest(address string) *utils.PairingRequest {
	for i, req := range b.requests {
		if req.Address == address {
			b.requests = append(b.requests[:i], b.requests[i+1:]...)
			return req
		}
	}
	return nil
}

// pending reports whether req still has a pairing waiting on it.
func (b *Bridge) pending(req *utils.PairingRequest) bool {
	d := b.adapter.Device(req.Address)
	if d == nil || d.Pairing() == nil {
		return false
	}
	switch req.RequestType {
	case RequestPinCode:
		return d.ExpectingPinCode()
	case RequestPasskey:
		return d.ExpectingPasskey()
	case RequestConfirmation, RequestAuthorization:
		return d.ExpectingConfirmation()
	}
	return true
}

// Requests returns the pairing requests still waiting for the user, oldest
// first.
func (b *Bridge) Requests() []utils.PairingRequest {
	var out []utils.PairingRequest
	live := b.requests[:0]
	for _, req := range b.requests {
		if b.pending(req) {
			live = append(live, req)
			out = append(out, *req)
		}
	}
	b.requests = live
	return out
}

// Current returns the newest pending request, if any.
func (b *Bridge) Current() *utils.PairingRequest {
	requests := b.Requests()
	if len(requests) == 0 {
		return nil
	}
	return &requests[len(requests)-1]
}

func (b *Bridge) find(id string) (*utils.PairingRequest, error) {
	if id == "" {
		if len(b.requests) == 0 {
			return nil, ErrNoPairingRequest
		}
		return b.requests[len(b.requests)-1], nil
	}
	for _, req := range b.requests {
		if req.ID == id {
			return req, nil
		}
	}
	return nil, ErrNoPairingRequest
}

// Accept answers the request with id, or the newest request when id is
// empty. value carries the PIN code or passkey where one is asked for.
func (b *Bridge) Accept(id, value string) error {
	req, err := b.find(id)
	if err != nil {
		return err
	}
	if !b.pending(req) {
		b.dropRequest(req.Address)
		return ErrPairingExpired
	}
	d := b.adapter.Device(req.Address)

	switch req.RequestType {
	case RequestPinCode:
		if value == "" {
			return errors.Wrap(ErrInvalidAnswer, "pin code required")
		}
		d.SetPinCode(value)
	case RequestPasskey:
		passkey, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errors.Wrapf(ErrInvalidAnswer, "passkey %q: %v", value, err)
		}
		d.SetPasskey(uint32(passkey))
	case RequestConfirmation, RequestAuthorization:
		d.ConfirmPairing()
	}
	b.dropRequest(req.Address)
	log.Infof("Pairing request %s accepted", req.ID)
	return nil
}

// Reject refuses the request with id, or the newest request when id is
// empty.
func (b *Bridge) Reject(id string) error {
	req, err := b.find(id)
	if err != nil {
		return err
	}
	b.dropRequest(req.Address)
	if d := b.adapter.Device(req.Address); d != nil && d.Pairing() != nil {
		switch req.RequestType {
		case RequestDisplayPinCode, RequestDisplayPasskey:
			d.CancelPairing()
		default:
			d.RejectPairing()
		}
	}
	log.Infof("Pairing request %s denied", req.ID)
	b.broadcast("bluetooth/pairing/cancelled", utils.DeviceDisconnectedPayload{Address: req.Address})
	return nil
}

// HandleMessage applies a command sent by a websocket client.
func (b *Bridge) HandleMessage(data []byte) error {
	var cmd utils.WebSocketCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		return errors.Wrap(err, "invalid command")
	}
	switch cmd.Type {
	case "bluetooth/pairing/accept":
		return b.Accept(cmd.Payload.ID, cmd.Payload.Value)
	case "bluetooth/pairing/deny":
		return b.Reject(cmd.Payload.ID)
	}
	return errors.Errorf("unknown command %q", cmd.Type)
}

var (
	_ bluetooth.Observer        = (*Bridge)(nil)
	_ bluetooth.PairingDelegate = (*Bridge)(nil)
)
