package bluez

import (
	"path"

	"github.com/godbus/dbus/v5"

	"github.com/usenocturne/btmgr/bluetooth"
)

func (t *Transport) signalLoop() {
	for {
		select {
		case <-t.done:
			return
		case sig, ok := <-t.signals:
			if !ok {
				return
			}
			t.handleSignal(sig)
		}
	}
}

func (t *Transport) handleSignal(sig *dbus.Signal) {
	switch sig.Name {
	case signalNameOwnerChanged:
		var name, oldOwner, newOwner string
		if err := dbus.Store(sig.Body, &name, &oldOwner, &newOwner); err != nil || name != BLUEZ_BUS_NAME {
			return
		}
		switch {
		case newOwner == "":
			log.Warn("bluetoothd left the bus")
			t.daemonVanished()
		case oldOwner == "":
			log.Info("bluetoothd joined the bus")
			go t.daemonAppeared()
		}

	case signalInterfacesAdded:
		var objectPath dbus.ObjectPath
		var ifaces map[string]map[string]dbus.Variant
		if err := dbus.Store(sig.Body, &objectPath, &ifaces); err != nil {
			log.Debugf("Malformed InterfacesAdded: %v", err)
			return
		}
		t.interfacesAdded(objectPath, ifaces)

	case signalInterfacesRemoved:
		var objectPath dbus.ObjectPath
		var ifaces []string
		if err := dbus.Store(sig.Body, &objectPath, &ifaces); err != nil {
			log.Debugf("Malformed InterfacesRemoved: %v", err)
			return
		}
		t.interfacesRemoved(objectPath, ifaces)

	case signalPropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, ok := sig.Body[0].(string)
		if !ok {
			return
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return
		}
		t.propertiesChanged(sig.Path, iface, changed)
	}
}

func (t *Transport) interfacesAdded(objectPath dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	if props, ok := ifaces[BLUEZ_ADAPTER_INTERFACE]; ok {
		if !t.claimAdapter(objectPath) {
			log.Debugf("Ignoring adapter %s", objectPath)
			return
		}
		log.Infof("Using adapter %s", objectPath)
		converted := convertProperties(props)
		t.post(func(h bluetooth.TransportHandler) { h.AdapterAdded(converted) })
		return
	}

	address, ok := addressFromPath(t.adapterPath(), objectPath)
	if !ok {
		return
	}

	var converted bluetooth.Properties
	if props, ok := ifaces[BLUEZ_DEVICE_INTERFACE]; ok {
		converted = convertProperties(props)
	}
	if battery, ok := ifaces[BLUEZ_BATTERY_INTERFACE]; ok {
		if v, ok := battery[batteryPercentageProperty]; ok {
			if converted == nil {
				converted = bluetooth.Properties{}
			}
			converted[bluetooth.DEVICE_PROPERTY_BATTERY_PERCENTAGE] = v.Value()
		}
	}
	if converted == nil {
		return
	}

	if _, ok := ifaces[BLUEZ_DEVICE_INTERFACE]; ok {
		t.post(func(h bluetooth.TransportHandler) { h.DeviceAdded(address, converted) })
	} else {
		t.post(func(h bluetooth.TransportHandler) { h.DevicePropertiesChanged(address, converted) })
	}
}

func (t *Transport) interfacesRemoved(objectPath dbus.ObjectPath, ifaces []string) {
	adapter := t.adapterPath()
	for _, iface := range ifaces {
		switch iface {
		case BLUEZ_ADAPTER_INTERFACE:
			if objectPath == adapter {
				t.releaseAdapter()
				return
			}
		case BLUEZ_DEVICE_INTERFACE:
			if address, ok := addressFromPath(adapter, objectPath); ok {
				t.post(func(h bluetooth.TransportHandler) { h.DeviceRemoved(address) })
				return
			}
		case BLUEZ_BATTERY_INTERFACE:
			if address, ok := addressFromPath(adapter, objectPath); ok {
				changed := bluetooth.Properties{bluetooth.DEVICE_PROPERTY_BATTERY_PERCENTAGE: nil}
				t.post(func(h bluetooth.TransportHandler) { h.DevicePropertiesChanged(address, changed) })
			}
		}
	}
}

func (t *Transport) propertiesChanged(objectPath dbus.ObjectPath, iface string, changed map[string]dbus.Variant) {
	adapter := t.adapterPath()
	if adapter == "" {
		return
	}

	switch iface {
	case BLUEZ_ADAPTER_INTERFACE:
		if objectPath != adapter {
			return
		}
		converted := convertProperties(changed)
		t.post(func(h bluetooth.TransportHandler) { h.AdapterPropertiesChanged(converted) })

	case BLUEZ_DEVICE_INTERFACE:
		address, ok := addressFromPath(adapter, objectPath)
		if !ok {
			return
		}
		converted := convertProperties(changed)
		t.post(func(h bluetooth.TransportHandler) { h.DevicePropertiesChanged(address, converted) })

	case BLUEZ_BATTERY_INTERFACE:
		address, ok := addressFromPath(adapter, objectPath)
		if !ok {
			return
		}
		v, ok := changed[batteryPercentageProperty]
		if !ok {
			return
		}
		converted := bluetooth.Properties{bluetooth.DEVICE_PROPERTY_BATTERY_PERCENTAGE: v.Value()}
		t.post(func(h bluetooth.TransportHandler) { h.DevicePropertiesChanged(address, converted) })
	}
}

// claimAdapter makes objectPath the managed adapter if none is managed yet
// and it matches the configured adapter name.
func (t *Transport) claimAdapter(objectPath dbus.ObjectPath) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.adapter != "" {
		return false
	}
	if t.opts.AdapterName != "" && path.Base(string(objectPath)) != t.opts.AdapterName {
		return false
	}
	t.adapter = objectPath
	return true
}

func (t *Transport) releaseAdapter() {
	t.mu.Lock()
	had := t.adapter != ""
	t.adapter = ""
	t.mu.Unlock()

	if had {
		log.Info("Adapter removed")
		t.post(func(h bluetooth.TransportHandler) { h.AdapterRemoved() })
	}
}

func (t *Transport) daemonVanished() {
	t.releaseAdapter()
	t.post(func(h bluetooth.TransportHandler) { h.AgentReleased() })
}
