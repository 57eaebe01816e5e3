package bluetooth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/usenocturne/btmgr/bluetooth"
	"github.com/usenocturne/btmgr/bluetooth/bluetoothtest"
	"github.com/usenocturne/btmgr/eventloop"
)

const (
	adapterAddress = "00:11:22:33:44:55"
	phoneAddress   = "AA:BB:CC:DD:EE:01"
	mouseAddress   = "00:12:A1:00:00:02"
)

type fixture struct {
	t         *testing.T
	loop      *eventloop.Loop
	transport *bluetoothtest.Transport
	adapter   *bluetooth.Adapter
	observer  *bluetoothtest.Observer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loop := eventloop.New()
	transport := bluetoothtest.NewTransport(loop)
	adapter := bluetooth.NewAdapter(transport, loop)
	observer := &bluetoothtest.Observer{}
	adapter.AddObserver(observer)
	return &fixture{t: t, loop: loop, transport: transport, adapter: adapter, observer: observer}
}

// newPresentFixture returns a fixture whose adapter is present and powered.
func newPresentFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.adapter.AdapterAdded(bluetooth.Properties{
		bluetooth.ADAPTER_PROPERTY_ADDRESS: adapterAddress,
		bluetooth.ADAPTER_PROPERTY_NAME:    "btmgr",
		bluetooth.ADAPTER_PROPERTY_POWERED: true,
	})
	f.observer.Reset()
	return f
}

func (f *fixture) run() {
	f.loop.RunUntilIdle()
}

// runWorker waits for a result posted from a worker goroutine, then drains
// whatever it queued.
func (f *fixture) runWorker() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.loop.RunOne(ctx))
	f.run()
}

func (f *fixture) addDevice(address string, props bluetooth.Properties) *bluetooth.Device {
	f.t.Helper()
	f.adapter.DeviceAdded(address, props)
	d := f.adapter.Device(address)
	require.NotNil(f.t, d)
	return d
}

func (f *fixture) addPhone(paired bool) *bluetooth.Device {
	return f.addDevice(phoneAddress, bluetooth.Properties{
		bluetooth.DEVICE_PROPERTY_NAME:    "Phone",
		bluetooth.DEVICE_PROPERTY_CLASS:   uint32(0x7a020c),
		bluetooth.DEVICE_PROPERTY_PAIRED:  paired,
		bluetooth.DEVICE_PROPERTY_TRUSTED: paired,
	})
}

func daemonError(name string) error {
	return bluetooth.NewDaemonError(name, "test")
}

// result captures one completion.
type result struct {
	successes int
	errs      []error
}

func (r *result) onSuccess()        { r.successes++ }
func (r *result) onError(err error) { r.errs = append(r.errs, err) }
func (r *result) calls() int        { return r.successes + len(r.errs) }

func (r *result) lastErr() error {
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

type sessionResult struct {
	sessions []*bluetooth.DiscoverySession
	errs     []error
}

func (r *sessionResult) onSuccess(s *bluetooth.DiscoverySession) {
	r.sessions = append(r.sessions, s)
}

func (r *sessionResult) onError(err error) { r.errs = append(r.errs, err) }
