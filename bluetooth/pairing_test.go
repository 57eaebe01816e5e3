package bluetooth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenocturne/btmgr/bluetooth"
	"github.com/usenocturne/btmgr/bluetooth/bluetoothtest"
)

type agentReplies struct {
	statuses []bluetooth.AgentStatus
	pinCodes []string
	passkeys []uint32
}

func (r *agentReplies) pinCode(status bluetooth.AgentStatus, pinCode string) {
	r.statuses = append(r.statuses, status)
	r.pinCodes = append(r.pinCodes, pinCode)
}

func (r *agentReplies) passkey(status bluetooth.AgentStatus, passkey uint32) {
	r.statuses = append(r.statuses, status)
	r.passkeys = append(r.passkeys, passkey)
}

func (r *agentReplies) confirmation(status bluetooth.AgentStatus) {
	r.statuses = append(r.statuses, status)
}

func TestIncomingRequestsWithoutDelegateAreRejected(t *testing.T) {
	requests := map[string]func(a *bluetooth.Adapter, r *agentReplies){
		"pin-code": func(a *bluetooth.Adapter, r *agentReplies) {
			a.RequestPinCode(phoneAddress, r.pinCode)
		},
		"passkey": func(a *bluetooth.Adapter, r *agentReplies) {
			a.RequestPasskey(phoneAddress, r.passkey)
		},
		"confirmation": func(a *bluetooth.Adapter, r *agentReplies) {
			a.RequestConfirmation(phoneAddress, 123456, r.confirmation)
		},
		"authorization": func(a *bluetooth.Adapter, r *agentReplies) {
			a.RequestAuthorization(phoneAddress, r.confirmation)
		},
	}

	for name, request := range requests {
		t.Run(name, func(t *testing.T) {
			f := newPresentFixture(t)
			d := f.addPhone(false)

			r := &agentReplies{}
			request(f.adapter, r)

			assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentRejected}, r.statuses)
			assert.Nil(t, d.Pairing())
			assert.False(t, d.ExpectingPinCode())
			assert.False(t, d.ExpectingPasskey())
			assert.False(t, d.ExpectingConfirmation())
		})
	}
}

func TestRequestForUnknownDeviceIsRejected(t *testing.T) {
	f := newPresentFixture(t)
	f.adapter.AddPairingDelegate(&bluetoothtest.Delegate{}, bluetooth.PairingDelegatePriorityHigh)

	r := &agentReplies{}
	f.adapter.RequestPinCode("01:02:03:04:05:06", r.pinCode)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentRejected}, r.statuses)
}

func TestRejectedConfirmationFailsConnect(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	delegate := &bluetoothtest.Delegate{}

	connect := &result{}
	d.Connect(delegate, connect.onSuccess, connect.onError)
	require.Equal(t, 1, f.transport.Pending("Pair"))
	require.NotNil(t, d.Pairing())

	r := &agentReplies{}
	f.adapter.RequestConfirmation(phoneAddress, 123456, r.confirmation)
	assert.Equal(t, 1, delegate.Count("ConfirmPasskey"))
	assert.EqualValues(t, 123456, delegate.Passkey)
	assert.True(t, d.ExpectingConfirmation())

	d.RejectPairing()
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentRejected}, r.statuses)
	// Outgoing pairings outlive the reply until the daemon resolves Pair.
	assert.NotNil(t, d.Pairing())
	assert.False(t, d.ExpectingConfirmation())

	f.transport.Complete("Pair", daemonError(bluetooth.BLUEZ_ERROR_AUTHENTICATION_REJECTED))
	f.run()

	require.Len(t, connect.errs, 1)
	assert.Equal(t, bluetooth.ConnectErrorAuthRejected, bluetooth.ConnectErrorCodeOf(connect.errs[0]))
	assert.Nil(t, d.Pairing())
	assert.Equal(t, 0, f.transport.Count("Connect"))
	assert.False(t, d.IsConnecting())
}

func TestIncomingPinCodeUsesDefaultDelegate(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	delegate := &bluetoothtest.Delegate{}
	f.adapter.AddPairingDelegate(delegate, bluetooth.PairingDelegatePriorityLow)

	r := &agentReplies{}
	f.adapter.RequestPinCode(phoneAddress, r.pinCode)
	assert.Equal(t, 1, delegate.Count("RequestPinCode"))
	assert.True(t, d.ExpectingPinCode())
	assert.Equal(t, bluetooth.PairingStateAwaitingPinCode, d.Pairing().State())

	d.SetPinCode("1234")
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, r.statuses)
	assert.Equal(t, []string{"1234"}, r.pinCodes)
	assert.Nil(t, d.Pairing())

	d.SetPinCode("5678")
	assert.Len(t, r.statuses, 1)
}

func TestIncomingPasskeyAnsweredSynchronously(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	delegate := &bluetoothtest.Delegate{OnRequest: func(d *bluetooth.Device, call string) {
		if call == "RequestPasskey" {
			d.SetPasskey(4321)
		}
	}}
	f.adapter.AddPairingDelegate(delegate, bluetooth.PairingDelegatePriorityHigh)

	r := &agentReplies{}
	f.adapter.RequestPasskey(phoneAddress, r.passkey)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, r.statuses)
	assert.Equal(t, []uint32{4321}, r.passkeys)
	assert.Nil(t, d.Pairing())
}

func TestIncomingAuthorizationConfirmed(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	delegate := &bluetoothtest.Delegate{}
	f.adapter.AddPairingDelegate(delegate, bluetooth.PairingDelegatePriorityHigh)

	r := &agentReplies{}
	f.adapter.RequestAuthorization(phoneAddress, r.confirmation)
	assert.Equal(t, 1, delegate.Count("AuthorizePairing"))
	assert.Equal(t, bluetooth.PairingStateAwaitingAuthorization, d.Pairing().State())

	d.ConfirmPairing()
	d.ConfirmPairing()
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, r.statuses)
	assert.Nil(t, d.Pairing())
}

func TestRemovingDelegateAbandonsPairing(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	delegate := &bluetoothtest.Delegate{}
	f.adapter.AddPairingDelegate(delegate, bluetooth.PairingDelegatePriorityHigh)

	r := &agentReplies{}
	f.adapter.RequestPasskey(phoneAddress, r.passkey)
	require.True(t, d.ExpectingPasskey())

	f.adapter.RemovePairingDelegate(delegate)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentCancelled}, r.statuses)
	assert.Nil(t, d.Pairing())
	assert.Nil(t, f.adapter.DefaultPairingDelegate())

	d.SetPasskey(1111)
	assert.Len(t, r.statuses, 1)
}

func TestCancelPairingAnswersOpenSlot(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	f.adapter.AddPairingDelegate(&bluetoothtest.Delegate{}, bluetooth.PairingDelegatePriorityHigh)

	r := &agentReplies{}
	f.adapter.RequestConfirmation(phoneAddress, 999999, r.confirmation)
	d.CancelPairing()

	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentCancelled}, r.statuses)
	assert.Equal(t, 0, f.transport.Count("CancelPairing"))
	assert.Nil(t, d.Pairing())
}

func TestCancelPairingWithoutSlotCancelsAtDaemon(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)

	pair := &result{}
	d.Pair(&bluetoothtest.Delegate{}, pair.onSuccess, pair.onError)
	require.NotNil(t, d.Pairing())

	d.CancelPairing()
	assert.Equal(t, 1, f.transport.Count("CancelPairing"))
	assert.Nil(t, d.Pairing())

	f.transport.Complete("Pair", daemonError(bluetooth.BLUEZ_ERROR_AUTHENTICATION_CANCELED))
	f.run()
	require.Len(t, pair.errs, 1)
	assert.Equal(t, bluetooth.ConnectErrorAuthCanceled, bluetooth.ConnectErrorCodeOf(pair.errs[0]))
}

func TestNewRequestCancelsPreviousSlot(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)

	pair := &result{}
	d.Pair(&bluetoothtest.Delegate{}, pair.onSuccess, pair.onError)

	first := &agentReplies{}
	f.adapter.RequestPinCode(phoneAddress, first.pinCode)
	second := &agentReplies{}
	f.adapter.RequestPasskey(phoneAddress, second.passkey)

	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentCancelled}, first.statuses)
	assert.True(t, d.ExpectingPasskey())
	assert.False(t, d.ExpectingPinCode())
}

func TestDisplayPasskeyReportsProgress(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)
	delegate := &bluetoothtest.Delegate{}

	pair := &result{}
	d.Pair(delegate, pair.onSuccess, pair.onError)

	f.adapter.DisplayPasskey(phoneAddress, 123456, 0)
	assert.Equal(t, []string{"DisplayPasskey", "KeysEntered"}, delegate.Calls)
	assert.EqualValues(t, 123456, delegate.Passkey)
	assert.EqualValues(t, 0, delegate.Entered)

	f.adapter.DisplayPasskey(phoneAddress, 123456, 3)
	assert.Equal(t, 1, delegate.Count("DisplayPasskey"))
	assert.EqualValues(t, 3, delegate.Entered)

	f.adapter.DisplayPinCode(phoneAddress, "0000")
	assert.Equal(t, "0000", delegate.PinCode)
	assert.Equal(t, bluetooth.PairingStateNone, d.Pairing().State())

	f.transport.Complete("Pair", nil)
	f.run()
	assert.Equal(t, 1, pair.successes)
	assert.Nil(t, d.Pairing())
}

func TestIncomingDisplayPairingEnds(t *testing.T) {
	endings := map[string]func(f *fixture){
		"paired": func(f *fixture) {
			f.adapter.DevicePropertiesChanged(phoneAddress, bluetooth.Properties{bluetooth.DEVICE_PROPERTY_PAIRED: true})
		},
		"disconnected": func(f *fixture) {
			f.adapter.DevicePropertiesChanged(phoneAddress, bluetooth.Properties{bluetooth.DEVICE_PROPERTY_CONNECTED: false})
		},
		"agent-cancel": func(f *fixture) {
			f.adapter.CancelAgentRequest()
		},
	}

	for name, end := range endings {
		t.Run(name, func(t *testing.T) {
			f := newPresentFixture(t)
			d := f.addPhone(false)
			f.adapter.DevicePropertiesChanged(phoneAddress, bluetooth.Properties{bluetooth.DEVICE_PROPERTY_CONNECTED: true})
			delegate := &bluetoothtest.Delegate{}
			f.adapter.AddPairingDelegate(delegate, bluetooth.PairingDelegatePriorityLow)

			f.adapter.DisplayPasskey(phoneAddress, 123456, 0)
			require.NotNil(t, d.Pairing())
			assert.Same(t, delegate, d.Pairing().Delegate())

			end(f)
			assert.Nil(t, d.Pairing())
		})
	}
}

func TestOutgoingPairingSurvivesDisconnect(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)

	pair := &result{}
	d.Pair(&bluetoothtest.Delegate{}, pair.onSuccess, pair.onError)
	f.adapter.DisplayPasskey(phoneAddress, 123456, 0)

	f.adapter.DevicePropertiesChanged(phoneAddress, bluetooth.Properties{bluetooth.DEVICE_PROPERTY_CONNECTED: false})
	f.adapter.CancelAgentRequest()
	require.NotNil(t, d.Pairing())
	assert.True(t, d.Pairing().Outgoing())

	f.transport.Complete("Pair", nil)
	f.run()
	assert.Equal(t, 1, pair.successes)
	assert.Nil(t, d.Pairing())
}

func TestDelegatePriority(t *testing.T) {
	f := newPresentFixture(t)
	low := &bluetoothtest.Delegate{}
	high := &bluetoothtest.Delegate{}
	laterHigh := &bluetoothtest.Delegate{}

	f.adapter.AddPairingDelegate(low, bluetooth.PairingDelegatePriorityLow)
	assert.Same(t, low, f.adapter.DefaultPairingDelegate())

	f.adapter.AddPairingDelegate(high, bluetooth.PairingDelegatePriorityHigh)
	f.adapter.AddPairingDelegate(laterHigh, bluetooth.PairingDelegatePriorityHigh)
	assert.Same(t, high, f.adapter.DefaultPairingDelegate())

	f.adapter.RemovePairingDelegate(high)
	assert.Same(t, laterHigh, f.adapter.DefaultPairingDelegate())
}

func TestAgentCancelDropsOpenSlots(t *testing.T) {
	f := newPresentFixture(t)
	d := f.addPhone(false)

	pair := &result{}
	d.Pair(&bluetoothtest.Delegate{}, pair.onSuccess, pair.onError)

	r := &agentReplies{}
	f.adapter.RequestPinCode(phoneAddress, r.pinCode)
	f.adapter.CancelAgentRequest()

	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentCancelled}, r.statuses)
	assert.False(t, d.ExpectingPinCode())
	d.SetPinCode("1234")
	assert.Len(t, r.statuses, 1)
}

func TestAuthorizeService(t *testing.T) {
	f := newPresentFixture(t)
	f.addPhone(true)
	f.addDevice("AA:BB:CC:DD:EE:09", bluetooth.Properties{bluetooth.DEVICE_PROPERTY_NAME: "Stranger"})

	allowed := &agentReplies{}
	f.adapter.AuthorizeService(phoneAddress, "0000110a-0000-1000-8000-00805f9b34fb", allowed.confirmation)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentSuccess}, allowed.statuses)

	denied := &agentReplies{}
	f.adapter.AuthorizeService("AA:BB:CC:DD:EE:09", "0000110a-0000-1000-8000-00805f9b34fb", denied.confirmation)
	assert.Equal(t, []bluetooth.AgentStatus{bluetooth.AgentRejected}, denied.statuses)
}
