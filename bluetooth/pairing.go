package bluetooth

type PairingState int

const (
	PairingStateNone PairingState = iota
	PairingStateAwaitingPinCode
	PairingStateAwaitingPasskey
	PairingStateAwaitingConfirmation
	PairingStateAwaitingAuthorization
)

func (s PairingState) String() string {
	switch s {
	case PairingStateNone:
		return "none"
	case PairingStateAwaitingPinCode:
		return "awaiting-pin-code"
	case PairingStateAwaitingPasskey:
		return "awaiting-passkey"
	case PairingStateAwaitingConfirmation:
		return "awaiting-confirmation"
	case PairingStateAwaitingAuthorization:
		return "awaiting-authorization"
	}
	return "unknown"
}

// Pairing brokers the daemon's agent requests for one device to a
// PairingDelegate. It holds at most one reply slot; each slot is answered
// at most once.
type Pairing struct {
	device   *Device
	delegate PairingDelegate
	outgoing bool
	state    PairingState

	pinCodeReply      PinCodeCallback
	passkeyReply      PasskeyCallback
	confirmationReply ConfirmationCallback
}

func newPairing(d *Device, delegate PairingDelegate, outgoing bool) *Pairing {
	return &Pairing{device: d, delegate: delegate, outgoing: outgoing}
}

func (p *Pairing) State() PairingState       { return p.state }
func (p *Pairing) Delegate() PairingDelegate { return p.delegate }
func (p *Pairing) Outgoing() bool            { return p.outgoing }

func (p *Pairing) requestPinCode(reply PinCodeCallback) {
	p.runCallbacks(AgentCancelled)
	p.state = PairingStateAwaitingPinCode
	p.pinCodeReply = reply
	p.delegate.RequestPinCode(p.device)
}

func (p *Pairing) requestPasskey(reply PasskeyCallback) {
	p.runCallbacks(AgentCancelled)
	p.state = PairingStateAwaitingPasskey
	p.passkeyReply = reply
	p.delegate.RequestPasskey(p.device)
}

func (p *Pairing) requestConfirmation(passkey uint32, reply ConfirmationCallback) {
	p.runCallbacks(AgentCancelled)
	p.state = PairingStateAwaitingConfirmation
	p.confirmationReply = reply
	p.delegate.ConfirmPasskey(p.device, passkey)
}

func (p *Pairing) requestAuthorization(reply ConfirmationCallback) {
	p.runCallbacks(AgentCancelled)
	p.state = PairingStateAwaitingAuthorization
	p.confirmationReply = reply
	p.delegate.AuthorizePairing(p.device)
}

func (p *Pairing) displayPinCode(pinCode string) {
	p.delegate.DisplayPinCode(p.device, pinCode)
}

// displayPasskey shows the passkey on the first notification and reports
// typing progress on every one.
func (p *Pairing) displayPasskey(passkey uint32, entered uint16) {
	if entered == 0 {
		p.delegate.DisplayPasskey(p.device, passkey)
	}
	p.delegate.KeysEntered(p.device, uint32(entered))
}

func (p *Pairing) setPinCode(pinCode string) bool {
	reply := p.pinCodeReply
	if reply == nil {
		return false
	}
	p.clear()
	reply(AgentSuccess, pinCode)
	p.replied()
	return true
}

func (p *Pairing) setPasskey(passkey uint32) bool {
	reply := p.passkeyReply
	if reply == nil {
		return false
	}
	p.clear()
	reply(AgentSuccess, passkey)
	p.replied()
	return true
}

func (p *Pairing) confirmPairing() bool {
	reply := p.confirmationReply
	if reply == nil {
		return false
	}
	p.clear()
	reply(AgentSuccess)
	p.replied()
	return true
}

func (p *Pairing) rejectPairing() bool {
	if !p.runCallbacks(AgentRejected) {
		return false
	}
	p.replied()
	return true
}

func (p *Pairing) cancelPairing() bool {
	if !p.runCallbacks(AgentCancelled) {
		return false
	}
	p.replied()
	return true
}

// runCallbacks answers whichever slot is open with status and reports
// whether there was one.
func (p *Pairing) runCallbacks(status AgentStatus) bool {
	pin, passkey, confirmation := p.pinCodeReply, p.passkeyReply, p.confirmationReply
	p.clear()

	ran := false
	if pin != nil {
		pin(status, "")
		ran = true
	}
	if passkey != nil {
		passkey(status, 0)
		ran = true
	}
	if confirmation != nil {
		confirmation(status)
		ran = true
	}
	return ran
}

func (p *Pairing) clear() {
	p.state = PairingStateNone
	p.pinCodeReply = nil
	p.passkeyReply = nil
	p.confirmationReply = nil
}

// replied ends incoming pairings once the daemon has its answer. Outgoing
// pairings live until the Pair call resolves.
func (p *Pairing) replied() {
	if !p.outgoing && p.device.pairing == p {
		p.device.endPairing()
	}
}

// abandon drops the pairing, answering any open slot as cancelled.
func (p *Pairing) abandon() {
	p.runCallbacks(AgentCancelled)
}
