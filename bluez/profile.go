package bluez

import (
	"fmt"
	"os"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/usenocturne/btmgr/bluetooth"
)

// profile is an exported org.bluez.Profile1 object forwarding to one
// ProfileHandler.
type profile struct {
	t       *Transport
	handler bluetooth.ProfileHandler
}

func profileOptions(opts bluetooth.ProfileOptions) map[string]dbus.Variant {
	options := map[string]dbus.Variant{
		"RequireAuthentication": dbus.MakeVariant(opts.RequireAuthentication),
		"RequireAuthorization":  dbus.MakeVariant(opts.RequireAuthorization),
		"AutoConnect":           dbus.MakeVariant(opts.AutoConnect),
	}
	if opts.Name != "" {
		options["Name"] = dbus.MakeVariant(opts.Name)
	}
	if opts.Role != "" {
		options["Role"] = dbus.MakeVariant(opts.Role)
	}
	if opts.Channel != 0 {
		options["Channel"] = dbus.MakeVariant(opts.Channel)
	}
	if opts.PSM != 0 {
		options["PSM"] = dbus.MakeVariant(opts.PSM)
	}
	if opts.ServiceRecord != "" {
		options["ServiceRecord"] = dbus.MakeVariant(opts.ServiceRecord)
	}
	if opts.Version != 0 {
		options["Version"] = dbus.MakeVariant(opts.Version)
	}
	if opts.Features != 0 {
		options["Features"] = dbus.MakeVariant(opts.Features)
	}
	return options
}

// exportProfile exports handler under a path of its own, reusing the path
// from an earlier registration of the same handler.
func (t *Transport) exportProfile(handler bluetooth.ProfileHandler) (dbus.ObjectPath, error) {
	t.mu.Lock()
	if existing, ok := t.profiles[handler]; ok {
		t.mu.Unlock()
		return existing, nil
	}
	t.nextID++
	objectPath := dbus.ObjectPath(fmt.Sprintf("%s/%d", t.opts.ProfilePath, t.nextID))
	t.profiles[handler] = objectPath
	t.mu.Unlock()

	p := &profile{t: t, handler: handler}
	if err := t.conn.Export(p, objectPath, BLUEZ_PROFILE_INTERFACE); err != nil {
		t.forgetProfile(handler)
		return "", err
	}
	node := &introspect.Node{
		Name: string(objectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    BLUEZ_PROFILE_INTERFACE,
				Methods: introspect.Methods(p),
			},
		},
	}
	if err := t.conn.Export(introspect.NewIntrospectable(node), objectPath, DBUS_INTROSPECTABLE); err != nil {
		t.forgetProfile(handler)
		return "", err
	}
	return objectPath, nil
}

func (t *Transport) forgetProfile(handler bluetooth.ProfileHandler) {
	t.mu.Lock()
	objectPath, ok := t.profiles[handler]
	delete(t.profiles, handler)
	t.mu.Unlock()
	if !ok {
		return
	}
	t.conn.Export(nil, objectPath, BLUEZ_PROFILE_INTERFACE)
	t.conn.Export(nil, objectPath, DBUS_INTROSPECTABLE)
}

func (t *Transport) RegisterProfile(uuid string, opts bluetooth.ProfileOptions, handler bluetooth.ProfileHandler, done func(error)) {
	objectPath, err := t.exportProfile(handler)
	if err != nil {
		log.Errorf("Failed to export profile %s: %v", uuid, err)
		t.dispatcher.Post(func() { done(err) })
		return
	}

	t.call(BLUEZ_OBJECT_PATH, BLUEZ_PROFILE_MANAGER+".RegisterProfile", func(err error) {
		if err != nil && bluetooth.ErrorName(err) != bluetooth.BLUEZ_ERROR_ALREADY_EXISTS {
			t.forgetProfile(handler)
		}
		done(err)
	}, objectPath, uuid, profileOptions(opts))
}

func (t *Transport) UnregisterProfile(handler bluetooth.ProfileHandler, done func(error)) {
	t.mu.Lock()
	objectPath, ok := t.profiles[handler]
	t.mu.Unlock()
	if !ok {
		t.dispatcher.Post(func() { done(nil) })
		return
	}

	t.call(BLUEZ_OBJECT_PATH, BLUEZ_PROFILE_MANAGER+".UnregisterProfile", func(err error) {
		t.forgetProfile(handler)
		done(err)
	}, objectPath)
}

func (p *profile) Release() *dbus.Error {
	p.t.dispatcher.Post(p.handler.Release)
	return nil
}

func (p *profile) Cancel() *dbus.Error {
	p.t.dispatcher.Post(p.handler.Cancel)
	return nil
}

func (p *profile) NewConnection(device dbus.ObjectPath, fd dbus.UnixFD, fdProps map[string]dbus.Variant) *dbus.Error {
	conn := os.NewFile(uintptr(fd), string(device))
	address, ok := addressFromPath(p.t.adapterPath(), device)
	if !ok {
		conn.Close()
		return errRejected
	}
	log.Debugf("NewConnection from %s", address)

	props := convertProperties(fdProps)
	return p.confirm(func(reply bluetooth.ConfirmationCallback) {
		p.handler.NewConnection(address, conn, props, reply)
	})
}

func (p *profile) RequestDisconnection(device dbus.ObjectPath) *dbus.Error {
	address, ok := addressFromPath(p.t.adapterPath(), device)
	if !ok {
		return errRejected
	}
	return p.confirm(func(reply bluetooth.ConfirmationCallback) {
		p.handler.RequestDisconnection(address, reply)
	})
}

func (p *profile) confirm(request func(bluetooth.ConfirmationCallback)) *dbus.Error {
	replies := make(chan bluetooth.AgentStatus, 1)
	p.t.dispatcher.Post(func() {
		request(func(status bluetooth.AgentStatus) { replies <- status })
	})
	status, ok := wait(replies, p.t.opts.AgentTimeout)
	if !ok {
		return errCanceled
	}
	return statusError(status)
}
