package bluetooth_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/usenocturne/btmgr/bluetooth"
)

const serialPortUUID = "00001101-0000-1000-8000-00805f9b34fb"

func socketPair(t *testing.T) (local, remote *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	local = os.NewFile(uintptr(fds[0]), "local")
	remote = os.NewFile(uintptr(fds[1]), "remote")
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})
	return local, remote
}

type acceptResult struct {
	device *bluetooth.Device
	socket *bluetooth.Socket
	errs   []error
	calls  int
}

func (r *acceptResult) onSuccess(d *bluetooth.Device, s *bluetooth.Socket) {
	r.calls++
	r.device, r.socket = d, s
}

func (r *acceptResult) onError(err error) {
	r.calls++
	r.errs = append(r.errs, err)
}

func (f *fixture) listen(uuid string) *bluetooth.Socket {
	f.t.Helper()
	var socket *bluetooth.Socket
	f.adapter.CreateService(uuid, bluetooth.ServiceOptions{Name: "Serial", Channel: 3},
		func(s *bluetooth.Socket) { socket = s },
		func(err error) { f.t.Fatalf("CreateService: %v", err) })
	f.transport.Complete("RegisterProfile", nil)
	f.run()
	require.NotNil(f.t, socket)
	return socket
}

func TestCreateServiceRegistersServerProfile(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen("1101")

	call := f.transport.Last("RegisterProfile")
	require.NotNil(t, call)
	assert.Equal(t, serialPortUUID, call.Args[0])
	opts := call.Args[1].(bluetooth.ProfileOptions)
	assert.Equal(t, bluetooth.PROFILE_ROLE_SERVER, opts.Role)
	assert.EqualValues(t, 3, opts.Channel)
	assert.True(t, s.IsListening())
	assert.Equal(t, serialPortUUID, s.UUID())
}

func TestCreateServiceWhileAdapterAbsent(t *testing.T) {
	f := newFixture(t)

	var socket *bluetooth.Socket
	f.adapter.CreateService(serialPortUUID, bluetooth.ServiceOptions{},
		func(s *bluetooth.Socket) { socket = s },
		func(err error) { t.Fatal(err) })
	require.NotNil(t, socket)
	assert.Equal(t, 0, f.transport.Count("RegisterProfile"))

	f.adapter.AdapterAdded(bluetooth.Properties{bluetooth.ADAPTER_PROPERTY_ADDRESS: adapterAddress})
	assert.Equal(t, 1, f.transport.Count("RegisterProfile"))
	f.transport.Complete("RegisterProfile", daemonError(bluetooth.BLUEZ_ERROR_ALREADY_EXISTS))
	f.run()
	assert.False(t, socket.IsClosed())

	// Registration is replayed after the daemon comes back.
	f.adapter.AdapterRemoved()
	f.adapter.AdapterAdded(bluetooth.Properties{bluetooth.ADAPTER_PROPERTY_ADDRESS: adapterAddress})
	assert.Equal(t, 2, f.transport.Count("RegisterProfile"))
}

func TestCreateServiceFailure(t *testing.T) {
	f := newPresentFixture(t)

	var failed error
	f.adapter.CreateService(serialPortUUID, bluetooth.ServiceOptions{},
		func(*bluetooth.Socket) { t.Fatal("unexpected success") },
		func(err error) { failed = err })
	f.transport.Complete("RegisterProfile", daemonError(bluetooth.BLUEZ_ERROR_INVALID_ARGUMENTS))
	f.run()

	assert.Equal(t, bluetooth.BLUEZ_ERROR_INVALID_ARGUMENTS, bluetooth.ErrorName(failed))
	assert.Equal(t, 0, f.adapter.SocketCount())
}

func TestAcceptQueuedConnection(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(true)
	s := f.listen(serialPortUUID)

	local, remote := socketPair(t)
	replies := &agentReplies{}
	f.transport.Profile(serialPortUUID).NewConnection(phoneAddress, local, nil, replies.confirmation)
	assert.Empty(t, replies.statuses)

	accepted := &acceptResult{}
	s.Accept(accepted.onSuccess, accepted.onError)
	f.runWorker()

	require.Equal(t, 1, accepted.calls)
	assert.Empty(t, accepted.errs)
	assert.Same(t, d, accepted.device)
	require.NotNil(t, accepted.socket)
	assert.True(t, accepted.socket.IsConnected())
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, replies.statuses)

	_, err := remote.Write([]byte("ping"))
	require.NoError(t, err)
	var received []byte
	accepted.socket.Receive(16, func(b []byte) { received = b }, func(err error) { t.Fatal(err) })
	f.runWorker()
	assert.Equal(t, "ping", string(received))
}

func TestAcceptWaitsForConnection(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)

	accepted := &acceptResult{}
	s.Accept(accepted.onSuccess, accepted.onError)
	f.run()
	assert.Equal(t, 0, accepted.calls)

	local, _ := socketPair(t)
	replies := &agentReplies{}
	f.transport.Profile(serialPortUUID).NewConnection(phoneAddress, local, nil, replies.confirmation)
	f.runWorker()

	require.Equal(t, 1, accepted.calls)
	assert.NotNil(t, accepted.socket)
	// Unknown peers are still accepted, without a device.
	assert.Nil(t, accepted.device)
}

func TestSecondAcceptIsBusy(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)

	first := &acceptResult{}
	second := &acceptResult{}
	s.Accept(first.onSuccess, first.onError)
	s.Accept(second.onSuccess, second.onError)

	assert.Equal(t, 0, first.calls)
	require.Len(t, second.errs, 1)
	assert.ErrorIs(t, second.errs[0], bluetooth.ErrAcceptInProgress)
}

func TestCloseFailsAcceptAndQueue(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)

	accepted := &acceptResult{}
	s.Accept(accepted.onSuccess, accepted.onError)
	s.Close()

	require.Len(t, accepted.errs, 1)
	assert.ErrorIs(t, accepted.errs[0], bluetooth.ErrSocketClosed)
	assert.Equal(t, 1, f.transport.Count("UnregisterProfile"))
	assert.True(t, s.IsClosed())

	again := &acceptResult{}
	s.Accept(again.onSuccess, again.onError)
	assert.ErrorIs(t, again.errs[0], bluetooth.ErrSocketClosed)

	s.Close()
	assert.Equal(t, 1, f.transport.Count("UnregisterProfile"))
}

func TestCloseRejectsQueuedConnections(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)
	profile := f.transport.Profile(serialPortUUID)

	first, _ := socketPair(t)
	second, _ := socketPair(t)
	replies := &agentReplies{}
	profile.NewConnection(phoneAddress, first, nil, replies.confirmation)
	profile.NewConnection(phoneAddress, second, nil, replies.confirmation)

	s.Disconnect(nil)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentRejected, bluetooth.AgentRejected}, replies.statuses)
}

func TestDaemonCancelDropsWaitingConnection(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)
	profile := f.transport.Profile(serialPortUUID)

	cancelled, _ := socketPair(t)
	kept, _ := socketPair(t)
	cancelledReplies := &agentReplies{}
	keptReplies := &agentReplies{}
	profile.NewConnection(phoneAddress, cancelled, nil, cancelledReplies.confirmation)
	profile.NewConnection(phoneAddress, kept, nil, keptReplies.confirmation)

	profile.Cancel()
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentCancelled}, cancelledReplies.statuses)

	accepted := &acceptResult{}
	s.Accept(accepted.onSuccess, accepted.onError)
	// The request being accepted is not affected by a cancel.
	profile.Cancel()
	f.runWorker()

	require.Equal(t, 1, accepted.calls)
	assert.Empty(t, accepted.errs)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, keptReplies.statuses)
}

func TestInvalidDescriptorFailsAccept(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer w.Close()

	replies := &agentReplies{}
	f.transport.Profile(serialPortUUID).NewConnection(phoneAddress, r, nil, replies.confirmation)
	accepted := &acceptResult{}
	s.Accept(accepted.onSuccess, accepted.onError)
	f.runWorker()

	require.Len(t, accepted.errs, 1)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentRejected}, replies.statuses)
}

func TestConnectToService(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(true)

	var socket *bluetooth.Socket
	d.ConnectToService("1101", func(s *bluetooth.Socket) { socket = s }, func(err error) { t.Fatal(err) })
	register := f.transport.Last("RegisterProfile")
	require.NotNil(t, register)
	assert.Equal(t, bluetooth.PROFILE_ROLE_CLIENT, register.Args[1].(bluetooth.ProfileOptions).Role)

	f.transport.Complete("RegisterProfile", nil)
	f.run()
	connect := f.transport.Last("ConnectProfile")
	require.NotNil(t, connect)
	assert.Equal(t, phoneAddress, connect.Address)

	local, remote := socketPair(t)
	replies := &agentReplies{}
	f.transport.Profile(serialPortUUID).NewConnection(phoneAddress, local, nil, replies.confirmation)
	f.runWorker()
	assert.Nil(t, socket)

	f.transport.Complete("ConnectProfile", nil)
	f.run()
	require.NotNil(t, socket)
	assert.True(t, socket.IsConnected())
	assert.Equal(t, phoneAddress, socket.DeviceAddress())
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, replies.statuses)

	var sent int
	socket.Send([]byte("hello"), func(n int) { sent = n }, func(err error) { t.Fatal(err) })
	f.runWorker()
	assert.Equal(t, 5, sent)

	buf := make([]byte, 5)
	_, err := remote.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	socket.Close()
	assert.Equal(t, 1, f.transport.Count("UnregisterProfile"))
	socket.Send([]byte("x"), nil, func(err error) { assert.ErrorIs(t, err, bluetooth.ErrSocketClosed) })
}

func TestConnectToServiceFailureUnregisters(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(true)

	var failed error
	d.ConnectToService(serialPortUUID, func(*bluetooth.Socket) { t.Fatal("unexpected success") }, func(err error) { failed = err })
	f.transport.Complete("RegisterProfile", nil)
	f.run()
	f.transport.Complete("ConnectProfile", daemonError(bluetooth.BLUEZ_ERROR_FAILED))
	f.run()

	assert.Equal(t, bluetooth.BLUEZ_ERROR_FAILED, bluetooth.ErrorName(failed))
	assert.Equal(t, 1, f.transport.Count("UnregisterProfile"))
	assert.Equal(t, 0, f.adapter.SocketCount())
}

func TestCloseDuringDeferredRegistrationUnregisters(t *testing.T) {
	f := newFixture(t)

	var socket *bluetooth.Socket
	f.adapter.CreateService(serialPortUUID, bluetooth.ServiceOptions{},
		func(s *bluetooth.Socket) { socket = s },
		func(err error) { t.Fatal(err) })
	require.NotNil(t, socket)

	f.adapter.AdapterAdded(bluetooth.Properties{bluetooth.ADAPTER_PROPERTY_ADDRESS: adapterAddress})
	require.Equal(t, 1, f.transport.Pending("RegisterProfile"))
	socket.Close()
	assert.Equal(t, 0, f.transport.Count("UnregisterProfile"))

	f.transport.Complete("RegisterProfile", nil)
	f.run()
	assert.Equal(t, 1, f.transport.Count("UnregisterProfile"))
	assert.Nil(t, f.transport.Profile(serialPortUUID))
	assert.Equal(t, 0, f.adapter.SocketCount())
}

func TestAdapterRemovedDuringServiceRegistrationUnregisters(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(true)

	var failed error
	d.ConnectToService(serialPortUUID, func(*bluetooth.Socket) { t.Fatal("unexpected success") }, func(err error) { failed = err })
	require.Equal(t, 1, f.transport.Pending("RegisterProfile"))

	f.adapter.AdapterRemoved()
	assert.ErrorIs(t, failed, bluetooth.ErrAdapterNotPresent)

	f.transport.Complete("RegisterProfile", nil)
	f.run()
	assert.Equal(t, 1, f.transport.Count("UnregisterProfile"))
	assert.Equal(t, 0, f.transport.Count("ConnectProfile"))
	assert.Nil(t, f.transport.Profile(serialPortUUID))
}

func TestSendOnUnconnectedSocket(t *testing.T) {
	f := newPresentFixture(t)
	s := f.listen(serialPortUUID)

	var failed error
	s.Send([]byte("x"), nil, func(err error) { failed = err })
	assert.ErrorIs(t, failed, bluetooth.ErrSocketNotConnected)
}
