package bluetooth

// Observer is notified of adapter and device changes. Calls happen on the
// dispatcher goroutine, synchronously within the change that caused them.
type Observer interface {
	AdapterPresentChanged(a *Adapter, present bool)
	AdapterPoweredChanged(a *Adapter, powered bool)
	AdapterDiscoverableChanged(a *Adapter, discoverable bool)
	AdapterDiscoveringChanged(a *Adapter, discovering bool)
	DeviceAdded(a *Adapter, d *Device)
	DeviceChanged(a *Adapter, d *Device)
	DeviceRemoved(a *Adapter, d *Device)
}

// BaseObserver implements Observer with no-ops, for embedding.
type BaseObserver struct{}

func (BaseObserver) AdapterPresentChanged(*Adapter, bool)      {}
func (BaseObserver) AdapterPoweredChanged(*Adapter, bool)      {}
func (BaseObserver) AdapterDiscoverableChanged(*Adapter, bool) {}
func (BaseObserver) AdapterDiscoveringChanged(*Adapter, bool)  {}
func (BaseObserver) DeviceAdded(*Adapter, *Device)             {}
func (BaseObserver) DeviceChanged(*Adapter, *Device)           {}
func (BaseObserver) DeviceRemoved(*Adapter, *Device)           {}

// PairingDelegate answers pairing requests on behalf of the user.
type PairingDelegate interface {
	RequestPinCode(d *Device)
	RequestPasskey(d *Device)
	DisplayPinCode(d *Device, pinCode string)
	DisplayPasskey(d *Device, passkey uint32)
	KeysEntered(d *Device, entered uint32)
	ConfirmPasskey(d *Device, passkey uint32)
	AuthorizePairing(d *Device)
}

type PairingDelegatePriority int

const (
	PairingDelegatePriorityLow PairingDelegatePriority = iota
	PairingDelegatePriorityHigh
)

type pairingDelegateEntry struct {
	delegate PairingDelegate
	priority PairingDelegatePriority
}

// observerList iterates over a snapshot so observers may add or remove
// themselves while being notified. Observers removed mid-iteration are
// skipped.
type observerList struct {
	observers []Observer
}

func (l *observerList) add(o Observer) {
	if l.contains(o) {
		return
	}
	l.observers = append(l.observers, o)
}

func (l *observerList) remove(o Observer) {
	for i, existing := range l.observers {
		if existing == o {
			l.observers = append(l.observers[:i:i], l.observers[i+1:]...)
			return
		}
	}
}

func (l *observerList) contains(o Observer) bool {
	for _, existing := range l.observers {
		if existing == o {
			return true
		}
	}
	return false
}

func (l *observerList) notify(fn func(Observer)) {
	snapshot := append([]Observer(nil), l.observers...)
	for _, o := range snapshot {
		if l.contains(o) {
			fn(o)
		}
	}
}
