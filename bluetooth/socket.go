package bluetooth

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ServiceOptions configure a listening service.
type ServiceOptions struct {
	Name                  string
	Channel               uint16
	PSM                   uint16
	RequireAuthentication bool
	RequireAuthorization  bool
}

type socketKind int

const (
	socketListening socketKind = iota
	socketConnecting
	socketAccepted
)

type acceptRequest struct {
	onSuccess func(*Device, *Socket)
	onError   func(error)
}

type connectionRequest struct {
	address   string
	conn      *os.File
	reply     ConfirmationCallback
	accepting bool
}

// Socket is a service profile registered with the daemon. A listening
// socket queues inbound connections until they are accepted; a connecting
// socket is bound to one device and carries a single connection.
type Socket struct {
	adapter *Adapter
	kind    socketKind
	uuid    string
	address string
	options ProfileOptions
	profile *socketProfile

	registered bool
	closed     bool
	conn       *os.File

	acceptRequest   *acceptRequest
	connectionQueue []*connectionRequest

	connect          *completion
	profileConnected bool
}

func (s *Socket) UUID() string          { return s.uuid }
func (s *Socket) IsListening() bool     { return s.kind == socketListening }
func (s *Socket) IsConnected() bool     { return s.conn != nil }
func (s *Socket) IsClosed() bool        { return s.closed }
func (s *Socket) DeviceAddress() string { return s.address }

// socketProfile receives the daemon's profile calls on behalf of a Socket.
type socketProfile struct {
	socket *Socket
}

func (p *socketProfile) NewConnection(address string, conn *os.File, _ Properties, reply ConfirmationCallback) {
	p.socket.newConnection(CanonicalAddress(address), conn, reply)
}

func (p *socketProfile) RequestDisconnection(address string, reply ConfirmationCallback) {
	log.Debugf("Profile %s disconnection requested by %s", p.socket.uuid, address)
	reply(AgentSuccess)
}

func (p *socketProfile) Cancel() {
	p.socket.cancel()
}

func (p *socketProfile) Release() {
	log.Debugf("Profile %s released", p.socket.uuid)
	p.socket.registered = false
}

func newSocket(a *Adapter, kind socketKind, uuid, address string, opts ProfileOptions) *Socket {
	s := &Socket{adapter: a, kind: kind, uuid: uuid, address: address, options: opts}
	s.profile = &socketProfile{socket: s}
	return s
}

// CreateService registers a listening service for uuid. While the adapter is
// absent the socket is returned straight away and registered once the
// adapter appears.
func (a *Adapter) CreateService(uuid string, opts ServiceOptions, onSuccess func(*Socket), onError func(error)) {
	canonical, err := CanonicalUUID(uuid)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}

	s := newSocket(a, socketListening, canonical, "", ProfileOptions{
		Name:                  opts.Name,
		Role:                  PROFILE_ROLE_SERVER,
		Channel:               opts.Channel,
		PSM:                   opts.PSM,
		RequireAuthentication: opts.RequireAuthentication,
		RequireAuthorization:  opts.RequireAuthorization,
	})
	a.sockets[s] = struct{}{}

	if !a.present {
		log.Infof("Adapter not present, deferring registration of %s", canonical)
		if onSuccess != nil {
			onSuccess(s)
		}
		return
	}

	s.register(func(err error) {
		if err != nil {
			delete(a.sockets, s)
			s.closed = true
			if onError != nil {
				onError(err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(s)
		}
	})
}

func (s *Socket) register(done func(error)) {
	s.adapter.transport.RegisterProfile(s.uuid, s.options, s.profile, func(err error) {
		if err != nil && ErrorName(err) != BLUEZ_ERROR_ALREADY_EXISTS {
			log.Warnf("Failed to register profile %s: %v", s.uuid, err)
			done(err)
			return
		}
		// Closed while the call was in flight; shutdown had nothing to
		// unregister yet.
		if s.closed {
			s.unregister()
			done(ErrSocketClosed)
			return
		}
		s.registered = true
		done(nil)
	})
}

func (s *Socket) unregister() {
	s.adapter.transport.UnregisterProfile(s.profile, func(err error) {
		if err != nil {
			log.Warnf("Failed to unregister profile %s: %v", s.uuid, err)
		}
	})
}

func (s *Socket) adapterPresentChanged(present bool) {
	if s.closed {
		return
	}
	if s.kind != socketListening {
		if !present {
			s.shutdown(ErrAdapterNotPresent)
		}
		return
	}

	if !present {
		s.registered = false
		return
	}
	s.register(func(err error) {
		if err != nil && !errors.Is(err, ErrSocketClosed) {
			log.Errorf("Failed to re-register profile %s: %v", s.uuid, err)
		}
	})
}

// ConnectToService connects to uuid on the device. onSuccess runs once the
// daemon has connected the profile and handed over the connection.
func (d *Device) ConnectToService(uuid string, onSuccess func(*Socket), onError func(error)) {
	canonical, err := CanonicalUUID(uuid)
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}
	if d.removed {
		if onError != nil {
			onError(ErrDeviceRemoved)
		}
		return
	}

	a := d.adapter
	s := newSocket(a, socketConnecting, canonical, d.address, ProfileOptions{Role: PROFILE_ROLE_CLIENT})
	s.connect = newCompletion(
		func() {
			if onSuccess != nil {
				onSuccess(s)
			}
		},
		onError,
	)
	a.sockets[s] = struct{}{}

	s.register(func(err error) {
		if err != nil {
			s.shutdown(err)
			return
		}
		a.transport.ConnectProfile(s.address, s.uuid, func(err error) {
			if err != nil {
				log.Warnf("Failed to connect profile %s on %s: %v", s.uuid, s.address, err)
				s.shutdown(err)
				return
			}
			s.profileConnected = true
			s.maybeFinishConnect()
		})
	})
}

func (s *Socket) maybeFinishConnect() {
	if s.connect == nil || !s.profileConnected || s.conn == nil {
		return
	}
	log.Infof("Connected to %s on %s", s.uuid, s.address)
	s.connect.resolve(nil)
}

func (s *Socket) newConnection(address string, conn *os.File, reply ConfirmationCallback) {
	if s.closed {
		conn.Close()
		reply(AgentRejected)
		return
	}

	if s.kind == socketConnecting {
		if s.conn != nil {
			log.Warnf("Rejecting extra connection from %s on %s", address, s.uuid)
			conn.Close()
			reply(AgentRejected)
			return
		}
		req := &connectionRequest{address: address, conn: conn, reply: reply, accepting: true}
		s.validate(req, s.onOutgoingConnection)
		return
	}

	s.connectionQueue = append(s.connectionQueue, &connectionRequest{
		address: address,
		conn:    conn,
		reply:   reply,
	})
	log.Debugf("Queued connection from %s on %s (%d pending)", address, s.uuid, len(s.connectionQueue))
	if s.acceptRequest != nil && !s.connectionQueue[0].accepting {
		s.acceptConnectionRequest()
	}
}

// Accept waits for the next inbound connection. Only one Accept may be
// outstanding at a time.
func (s *Socket) Accept(onSuccess func(*Device, *Socket), onError func(error)) {
	fail := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	switch {
	case s.kind != socketListening:
		fail(ErrNotListening)
		return
	case s.closed:
		fail(ErrSocketClosed)
		return
	case s.acceptRequest != nil:
		fail(ErrAcceptInProgress)
		return
	}

	s.acceptRequest = &acceptRequest{onSuccess: onSuccess, onError: onError}
	if len(s.connectionQueue) > 0 && !s.connectionQueue[0].accepting {
		s.acceptConnectionRequest()
	}
}

func (s *Socket) acceptConnectionRequest() {
	req := s.connectionQueue[0]
	req.accepting = true
	s.validate(req, s.onIncomingConnection)
}

// validate checks the descriptor on a worker goroutine and posts the result
// back to the dispatcher.
func (s *Socket) validate(req *connectionRequest, done func(*connectionRequest, error)) {
	dispatcher := s.adapter.dispatcher
	go func() {
		err := validateConn(req.conn)
		dispatcher.Post(func() { done(req, err) })
	}()
}

func validateConn(f *os.File) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return errors.Wrap(err, "fstat")
	}
	if st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return errors.Errorf("descriptor is not a socket (mode %o)", st.Mode)
	}
	soErr, err := unix.GetsockoptInt(int(f.Fd()), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return errors.Wrap(err, "getsockopt")
	}
	if soErr != 0 {
		return errors.Wrap(unix.Errno(soErr), "socket error")
	}
	return nil
}

func (s *Socket) onIncomingConnection(req *connectionRequest, err error) {
	for i, queued := range s.connectionQueue {
		if queued == req {
			s.connectionQueue = append(s.connectionQueue[:i], s.connectionQueue[i+1:]...)
			break
		}
	}

	accept := s.acceptRequest
	s.acceptRequest = nil

	if err == nil && s.closed {
		err = ErrSocketClosed
	}
	if err != nil {
		log.Warnf("Rejecting connection from %s on %s: %v", req.address, s.uuid, err)
		req.conn.Close()
		req.reply(AgentRejected)
		if accept != nil && !s.closed && accept.onError != nil {
			accept.onError(err)
		}
		return
	}

	client := newSocket(s.adapter, socketAccepted, s.uuid, req.address, s.options)
	client.conn = req.conn
	s.adapter.sockets[client] = struct{}{}
	req.reply(AgentSuccess)
	log.Infof("Accepted connection from %s on %s", req.address, s.uuid)

	if accept == nil {
		client.Close()
		return
	}
	if accept.onSuccess != nil {
		accept.onSuccess(s.adapter.devices[req.address], client)
	}
}

func (s *Socket) onOutgoingConnection(req *connectionRequest, err error) {
	if err == nil && s.closed {
		err = ErrSocketClosed
	}
	if err != nil {
		req.conn.Close()
		req.reply(AgentRejected)
		s.shutdown(err)
		return
	}
	s.conn = req.conn
	req.reply(AgentSuccess)
	s.maybeFinishConnect()
}

// cancel drops the oldest queued connection unless it is already being
// accepted, in which case it completes normally.
func (s *Socket) cancel() {
	if len(s.connectionQueue) == 0 {
		return
	}
	req := s.connectionQueue[0]
	if req.accepting {
		return
	}
	s.connectionQueue = s.connectionQueue[1:]
	req.conn.Close()
	req.reply(AgentCancelled)
}

// Close unregisters the profile, closes the connection and fails every
// pending accept and queued connection.
func (s *Socket) Close() {
	s.shutdown(ErrSocketClosed)
}

// Disconnect closes the socket and then runs onDone.
func (s *Socket) Disconnect(onDone func()) {
	s.Close()
	if onDone != nil {
		onDone()
	}
}

func (s *Socket) shutdown(reason error) {
	if s.closed {
		return
	}
	s.closed = true
	delete(s.adapter.sockets, s)

	if s.kind != socketAccepted && s.registered {
		s.registered = false
		s.unregister()
	}
	if s.conn != nil {
		s.conn.Close()
	}

	if accept := s.acceptRequest; accept != nil {
		s.acceptRequest = nil
		if accept.onError != nil {
			accept.onError(reason)
		}
	}

	// Requests mid-validation are finished by their worker result.
	var accepting []*connectionRequest
	for _, req := range s.connectionQueue {
		if req.accepting {
			accepting = append(accepting, req)
			continue
		}
		req.conn.Close()
		req.reply(AgentRejected)
	}
	s.connectionQueue = accepting

	if s.connect != nil {
		s.connect.resolve(reason)
	}
}

// Send writes data on a worker goroutine.
func (s *Socket) Send(data []byte, onSuccess func(int), onError func(error)) {
	conn, err := s.connected()
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}

	dispatcher := s.adapter.dispatcher
	go func() {
		n, err := conn.Write(data)
		dispatcher.Post(func() {
			if err != nil {
				if onError != nil {
					onError(errors.Wrap(err, "send"))
				}
				return
			}
			if onSuccess != nil {
				onSuccess(n)
			}
		})
	}()
}

// Receive reads up to size bytes on a worker goroutine.
func (s *Socket) Receive(size int, onSuccess func([]byte), onError func(error)) {
	conn, err := s.connected()
	if err != nil {
		if onError != nil {
			onError(err)
		}
		return
	}

	dispatcher := s.adapter.dispatcher
	go func() {
		buf := make([]byte, size)
		n, err := conn.Read(buf)
		dispatcher.Post(func() {
			if err != nil {
				if onError != nil {
					onError(errors.Wrap(err, "receive"))
				}
				return
			}
			if onSuccess != nil {
				onSuccess(buf[:n])
			}
		})
	}()
}

func (s *Socket) connected() (*os.File, error) {
	if s.closed {
		return nil, ErrSocketClosed
	}
	if s.conn == nil {
		return nil, ErrSocketNotConnected
	}
	return s.conn, nil
}
