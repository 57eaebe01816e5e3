package bluez

import (
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/usenocturne/btmgr/bluetooth"
)

var (
	errRejected = dbus.NewError(BLUEZ_ERROR_REJECTED, []interface{}{"Rejected"})
	errCanceled = dbus.NewError(BLUEZ_ERROR_CANCELED, []interface{}{"Canceled"})
)

// agent is the org.bluez.Agent1 object. Each request is handed to the
// TransportHandler on the dispatcher and the D-Bus call blocks until the
// handler replies or the request times out.
type agent struct {
	t *Transport
}

func (t *Transport) exportAgent() error {
	a := &agent{t: t}
	if err := t.conn.Export(a, t.opts.AgentPath, BLUEZ_AGENT_INTERFACE); err != nil {
		return err
	}

	node := &introspect.Node{
		Name: string(t.opts.AgentPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    BLUEZ_AGENT_INTERFACE,
				Methods: introspect.Methods(a),
			},
		},
	}
	return t.conn.Export(introspect.NewIntrospectable(node), t.opts.AgentPath, DBUS_INTROSPECTABLE)
}

func statusError(status bluetooth.AgentStatus) *dbus.Error {
	switch status {
	case bluetooth.AgentSuccess:
		return nil
	case bluetooth.AgentCancelled:
		return errCanceled
	}
	return errRejected
}

func (a *agent) address(device dbus.ObjectPath) (string, bool) {
	return addressFromPath(a.t.adapterPath(), device)
}

// wait blocks for a reply for at most timeout.
func wait[T any](replies <-chan T, timeout time.Duration) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-replies:
		return r, true
	case <-timer.C:
		var zero T
		return zero, false
	}
}

// await waits for the handler's reply. A request the user never answers is
// cancelled so the pairing does not stay pending.
func await[T any](a *agent, replies <-chan T) (T, bool) {
	r, ok := wait(replies, a.t.opts.AgentTimeout)
	if !ok {
		log.Warn("Agent request timed out")
		a.t.post(func(h bluetooth.TransportHandler) { h.CancelAgentRequest() })
	}
	return r, ok
}

type pinCodeReply struct {
	status  bluetooth.AgentStatus
	pinCode string
}

type passkeyReply struct {
	status  bluetooth.AgentStatus
	passkey uint32
}

func (a *agent) Release() *dbus.Error {
	log.Info("Agent released")
	a.t.post(func(h bluetooth.TransportHandler) { h.AgentReleased() })
	return nil
}

func (a *agent) RequestPinCode(device dbus.ObjectPath) (string, *dbus.Error) {
	log.Debugf("RequestPinCode from %s", device)
	address, ok := a.address(device)
	if !ok {
		return "", errRejected
	}

	replies := make(chan pinCodeReply, 1)
	a.t.post(func(h bluetooth.TransportHandler) {
		h.RequestPinCode(address, func(status bluetooth.AgentStatus, pinCode string) {
			replies <- pinCodeReply{status, pinCode}
		})
	})
	r, ok := await(a, replies)
	if !ok {
		return "", errCanceled
	}
	if err := statusError(r.status); err != nil {
		return "", err
	}
	return r.pinCode, nil
}

func (a *agent) DisplayPinCode(device dbus.ObjectPath, pinCode string) *dbus.Error {
	log.Debugf("DisplayPinCode (%s) for %s", pinCode, device)
	address, ok := a.address(device)
	if !ok {
		return errRejected
	}
	a.t.post(func(h bluetooth.TransportHandler) { h.DisplayPinCode(address, pinCode) })
	return nil
}

func (a *agent) RequestPasskey(device dbus.ObjectPath) (uint32, *dbus.Error) {
	log.Debugf("RequestPasskey from %s", device)
	address, ok := a.address(device)
	if !ok {
		return 0, errRejected
	}

	replies := make(chan passkeyReply, 1)
	a.t.post(func(h bluetooth.TransportHandler) {
		h.RequestPasskey(address, func(status bluetooth.AgentStatus, passkey uint32) {
			replies <- passkeyReply{status, passkey}
		})
	})
	r, ok := await(a, replies)
	if !ok {
		return 0, errCanceled
	}
	if err := statusError(r.status); err != nil {
		return 0, err
	}
	return r.passkey, nil
}

func (a *agent) DisplayPasskey(device dbus.ObjectPath, passkey uint32, entered uint16) *dbus.Error {
	log.Debugf("DisplayPasskey (%06d, %d entered) for %s", passkey, entered, device)
	address, ok := a.address(device)
	if !ok {
		return errRejected
	}
	a.t.post(func(h bluetooth.TransportHandler) { h.DisplayPasskey(address, passkey, entered) })
	return nil
}

func (a *agent) RequestConfirmation(device dbus.ObjectPath, passkey uint32) *dbus.Error {
	log.Debugf("RequestConfirmation (%06d) from %s", passkey, device)
	address, ok := a.address(device)
	if !ok {
		return errRejected
	}
	return a.confirm(func(h bluetooth.TransportHandler, reply bluetooth.ConfirmationCallback) {
		h.RequestConfirmation(address, passkey, reply)
	})
}

func (a *agent) RequestAuthorization(device dbus.ObjectPath) *dbus.Error {
	log.Debugf("RequestAuthorization from %s", device)
	address, ok := a.address(device)
	if !ok {
		return errRejected
	}
	return a.confirm(func(h bluetooth.TransportHandler, reply bluetooth.ConfirmationCallback) {
		h.RequestAuthorization(address, reply)
	})
}

func (a *agent) AuthorizeService(device dbus.ObjectPath, uuid string) *dbus.Error {
	log.Debugf("AuthorizeService (%s) from %s", uuid, device)
	address, ok := a.address(device)
	if !ok {
		return errRejected
	}
	return a.confirm(func(h bluetooth.TransportHandler, reply bluetooth.ConfirmationCallback) {
		h.AuthorizeService(address, uuid, reply)
	})
}

func (a *agent) Cancel() *dbus.Error {
	log.Info("Pairing cancelled by bluetoothd")
	a.t.post(func(h bluetooth.TransportHandler) { h.CancelAgentRequest() })
	return nil
}

func (a *agent) confirm(request func(bluetooth.TransportHandler, bluetooth.ConfirmationCallback)) *dbus.Error {
	replies := make(chan bluetooth.AgentStatus, 1)
	a.t.post(func(h bluetooth.TransportHandler) {
		request(h, func(status bluetooth.AgentStatus) { replies <- status })
	})
	status, ok := await(a, replies)
	if !ok {
		return errCanceled
	}
	return statusError(status)
}
