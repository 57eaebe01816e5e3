// Package bluez implements bluetooth.Transport on top of the BlueZ D-Bus API.
package bluez

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/usenocturne/btmgr/bluetooth"
)

var log = logrus.WithField("component", "bluez")

var _ bluetooth.Transport = (*Transport)(nil)

type Options struct {
	// AdapterName selects the adapter by its object name, e.g. "hci0". The
	// first adapter found is used when empty.
	AdapterName     string
	AgentPath       dbus.ObjectPath
	AgentCapability string
	// AgentTimeout bounds how long an agent request waits for the user.
	AgentTimeout time.Duration
	ProfilePath  dbus.ObjectPath
}

func (o *Options) setDefaults() {
	if o.AgentPath == "" {
		o.AgentPath = BLUEZ_AGENT_PATH
	}
	if o.AgentCapability == "" {
		o.AgentCapability = BLUEZ_DEFAULT_AGENT_CAPABILITY
	}
	if o.AgentTimeout <= 0 {
		o.AgentTimeout = 60 * time.Second
	}
	if o.ProfilePath == "" {
		o.ProfilePath = BLUEZ_PROFILE_PATH
	}
}

// Transport talks to bluetoothd. Calls are issued asynchronously and their
// results, like every signal and agent request, are posted to the
// dispatcher.
type Transport struct {
	conn       *dbus.Conn
	dispatcher bluetooth.Dispatcher
	opts       Options
	handler    bluetooth.TransportHandler

	mu       sync.Mutex
	adapter  dbus.ObjectPath
	profiles map[bluetooth.ProfileHandler]dbus.ObjectPath
	nextID   uint64

	signals chan *dbus.Signal
	done    chan struct{}
}

func New(conn *dbus.Conn, d bluetooth.Dispatcher, opts Options) *Transport {
	opts.setDefaults()
	return &Transport{
		conn:       conn,
		dispatcher: d,
		opts:       opts,
		profiles:   make(map[bluetooth.ProfileHandler]dbus.ObjectPath),
		done:       make(chan struct{}),
	}
}

// Start exports the pairing agent, subscribes to daemon signals and reports
// the objects that already exist to h.
func (t *Transport) Start(h bluetooth.TransportHandler) error {
	t.handler = h

	if err := t.exportAgent(); err != nil {
		return errors.Wrap(err, "failed to export agent")
	}

	matches := [][]dbus.MatchOption{
		{
			dbus.WithMatchObjectPath(DBUS_OBJECT_PATH),
			dbus.WithMatchInterface(DBUS_BUS_NAME),
			dbus.WithMatchMember("NameOwnerChanged"),
			dbus.WithMatchArg(0, BLUEZ_BUS_NAME),
		},
		{
			dbus.WithMatchSender(BLUEZ_BUS_NAME),
			dbus.WithMatchInterface(DBUS_OBJECT_MANAGER),
		},
		{
			dbus.WithMatchSender(BLUEZ_BUS_NAME),
			dbus.WithMatchInterface(DBUS_PROPERTIES_INTERFACE),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchPathNamespace(BLUEZ_OBJECT_PATH),
		},
	}
	for _, m := range matches {
		if err := t.conn.AddMatchSignal(m...); err != nil {
			return errors.Wrap(err, "failed to add signal match")
		}
	}

	t.signals = make(chan *dbus.Signal, 64)
	t.conn.Signal(t.signals)
	go t.signalLoop()

	var owner string
	err := t.conn.Object(DBUS_BUS_NAME, DBUS_OBJECT_PATH).
		Call(DBUS_BUS_NAME+".GetNameOwner", 0, BLUEZ_BUS_NAME).Store(&owner)
	if err != nil {
		log.Warnf("bluetoothd is not running: %v", err)
		return nil
	}
	t.daemonAppeared()
	return nil
}

// Close stops signal delivery and unregisters the agent.
func (t *Transport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)
	if t.signals != nil {
		t.conn.RemoveSignal(t.signals)
	}

	err := t.conn.Object(BLUEZ_BUS_NAME, BLUEZ_OBJECT_PATH).
		Call(BLUEZ_AGENT_MANAGER+".UnregisterAgent", 0, t.opts.AgentPath).Err
	if err != nil {
		log.Debugf("Failed to unregister agent: %v", err)
	}
	return nil
}

// daemonAppeared registers the agent and replays the daemon's object tree.
func (t *Transport) daemonAppeared() {
	manager := t.conn.Object(BLUEZ_BUS_NAME, BLUEZ_OBJECT_PATH)
	if err := manager.Call(BLUEZ_AGENT_MANAGER+".RegisterAgent", 0, t.opts.AgentPath, t.opts.AgentCapability).Err; err != nil {
		log.Errorf("Failed to register agent: %v", err)
	} else if err := manager.Call(BLUEZ_AGENT_MANAGER+".RequestDefaultAgent", 0, t.opts.AgentPath).Err; err != nil {
		log.Warnf("Failed to become default agent: %v", err)
	} else {
		log.Infof("Registered agent at %s", t.opts.AgentPath)
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := t.conn.Object(BLUEZ_BUS_NAME, "/").Call(DBUS_OBJECT_MANAGER+".GetManagedObjects", 0).Store(&objects); err != nil {
		log.Errorf("Failed to get managed objects: %v", err)
		return
	}
	t.replayObjects(objects)
}

func (t *Transport) replayObjects(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant) {
	paths := make([]string, 0, len(objects))
	for path := range objects {
		paths = append(paths, string(path))
	}
	sort.Strings(paths)

	for _, path := range paths {
		if _, ok := objects[dbus.ObjectPath(path)][BLUEZ_ADAPTER_INTERFACE]; ok {
			t.interfacesAdded(dbus.ObjectPath(path), objects[dbus.ObjectPath(path)])
		}
	}
	for _, path := range paths {
		if _, ok := objects[dbus.ObjectPath(path)][BLUEZ_ADAPTER_INTERFACE]; !ok {
			t.interfacesAdded(dbus.ObjectPath(path), objects[dbus.ObjectPath(path)])
		}
	}
}

func (t *Transport) adapterPath() dbus.ObjectPath {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.adapter
}

func (t *Transport) post(fn func(h bluetooth.TransportHandler)) {
	t.dispatcher.Post(func() { fn(t.handler) })
}

// call issues method on path and posts the converted result to done.
func (t *Transport) call(path dbus.ObjectPath, method string, done func(error), args ...interface{}) {
	if path == "" {
		t.dispatcher.Post(func() { done(bluetooth.ErrAdapterNotPresent) })
		return
	}
	call := t.conn.Object(BLUEZ_BUS_NAME, path).Go(method, 0, nil, args...)
	go func() {
		<-call.Done
		err := daemonError(call.Err)
		t.dispatcher.Post(func() { done(err) })
	}()
}

func (t *Transport) devicePath(address string) dbus.ObjectPath {
	adapter := t.adapterPath()
	if adapter == "" {
		return ""
	}
	return formatDevicePath(adapter, address)
}

func (t *Transport) StartDiscovery(done func(error)) {
	t.call(t.adapterPath(), BLUEZ_ADAPTER_INTERFACE+".StartDiscovery", done)
}

func (t *Transport) StopDiscovery(done func(error)) {
	t.call(t.adapterPath(), BLUEZ_ADAPTER_INTERFACE+".StopDiscovery", done)
}

func (t *Transport) SetAdapterProperty(name string, value interface{}, done func(error)) {
	t.call(t.adapterPath(), DBUS_PROPERTIES_INTERFACE+".Set", done,
		BLUEZ_ADAPTER_INTERFACE, name, dbus.MakeVariant(value))
}

func (t *Transport) RemoveDevice(address string, done func(error)) {
	t.call(t.adapterPath(), BLUEZ_ADAPTER_INTERFACE+".RemoveDevice", done, t.devicePath(address))
}

func (t *Transport) Connect(address string, done func(error)) {
	t.call(t.devicePath(address), BLUEZ_DEVICE_INTERFACE+".Connect", done)
}

func (t *Transport) Disconnect(address string, done func(error)) {
	t.call(t.devicePath(address), BLUEZ_DEVICE_INTERFACE+".Disconnect", done)
}

func (t *Transport) Pair(address string, done func(error)) {
	t.call(t.devicePath(address), BLUEZ_DEVICE_INTERFACE+".Pair", done)
}

func (t *Transport) CancelPairing(address string, done func(error)) {
	t.call(t.devicePath(address), BLUEZ_DEVICE_INTERFACE+".CancelPairing", done)
}

func (t *Transport) SetTrusted(address string, trusted bool, done func(error)) {
	t.call(t.devicePath(address), DBUS_PROPERTIES_INTERFACE+".Set", done,
		BLUEZ_DEVICE_INTERFACE, bluetooth.DEVICE_PROPERTY_TRUSTED, dbus.MakeVariant(trusted))
}

func (t *Transport) ConnectProfile(address, uuid string, done func(error)) {
	t.call(t.devicePath(address), BLUEZ_DEVICE_INTERFACE+".ConnectProfile", done, uuid)
}

// ConnectNetwork connects the device's PAN service and reports the network
// interface bluetoothd created for it.
func (t *Transport) ConnectNetwork(address, role string, done func(string, error)) {
	path := t.devicePath(address)
	if path == "" {
		t.dispatcher.Post(func() { done("", bluetooth.ErrAdapterNotPresent) })
		return
	}
	call := t.conn.Object(BLUEZ_BUS_NAME, path).Go(BLUEZ_NETWORK_INTERFACE+".Connect", 0, nil, role)
	go func() {
		<-call.Done
		var iface string
		err := call.Err
		if err == nil {
			err = call.Store(&iface)
		}
		err = daemonError(err)
		t.dispatcher.Post(func() { done(iface, err) })
	}()
}

// daemonError converts D-Bus error replies into bluetooth.DaemonError.
func daemonError(err error) error {
	if err == nil {
		return nil
	}

	var name string
	var body []interface{}
	var value dbus.Error
	var ptr *dbus.Error
	switch {
	case errors.As(err, &ptr) && ptr != nil:
		name, body = ptr.Name, ptr.Body
	case errors.As(err, &value):
		name, body = value.Name, value.Body
	default:
		return err
	}

	message := ""
	if len(body) > 0 {
		if s, ok := body[0].(string); ok {
			message = s
		}
	}
	return bluetooth.NewDaemonError(name, message)
}

// formatDevicePath returns the object path of the device with address under
// adapter.
func formatDevicePath(adapter dbus.ObjectPath, address string) dbus.ObjectPath {
	formattedAddress := strings.ReplaceAll(bluetooth.CanonicalAddress(address), ":", "_")
	return dbus.ObjectPath(string(adapter) + "/dev_" + formattedAddress)
}

// addressFromPath extracts the device address from a device object path
// under adapter. Paths of objects below the device are rejected.
func addressFromPath(adapter, path dbus.ObjectPath) (string, bool) {
	if adapter == "" {
		return "", false
	}
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/dev_")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return bluetooth.CanonicalAddress(rest), true
}

func convertProperties(props map[string]dbus.Variant) bluetooth.Properties {
	converted := make(bluetooth.Properties, len(props))
	for name, v := range props {
		converted[name] = v.Value()
	}
	return converted
}
