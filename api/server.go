// Package api serves the adapter over HTTP and websocket.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/usenocturne/btmgr/bluetooth"
	"github.com/usenocturne/btmgr/eventloop"
	"github.com/usenocturne/btmgr/utils"
	"github.com/usenocturne/btmgr/ws"
)

var log = logrus.WithField("component", "api")

var errDeviceNotFound = errors.New("device not found")

type Options struct {
	VersionFile string
	NetworkRole string
	// OperationTimeout bounds connect, pair and other daemon round trips,
	// including the time the user takes to answer a pairing request.
	OperationTimeout time.Duration
	// LinkUp is called with the interface of a new PAN connection.
	LinkUp func(iface string) error
}

type Server struct {
	loop    *eventloop.Loop
	adapter *bluetooth.Adapter
	bridge  *ws.Bridge
	hub     *ws.WebSocketHub
	opts    Options

	upgrader websocket.Upgrader

	// Owned by the loop.
	session *bluetooth.DiscoverySession
}

type InfoResponse struct {
	Version string `json:"version"`
}

type NetworkResponse struct {
	Address   string `json:"address"`
	Interface string `json:"interface"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func New(loop *eventloop.Loop, adapter *bluetooth.Adapter, bridge *ws.Bridge, hub *ws.WebSocketHub, opts Options) *Server {
	if opts.OperationTimeout <= 0 {
		opts.OperationTimeout = 90 * time.Second
	}
	if opts.NetworkRole == "" {
		opts.NetworkRole = "nap"
	}
	return &Server{
		loop:    loop,
		adapter: adapter,
		bridge:  bridge,
		hub:     hub,
		opts:    opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", s.handleInfo)
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /bluetooth/adapter", s.handleAdapter)
	mux.HandleFunc("POST /bluetooth/power/{state}", s.handlePower)
	mux.HandleFunc("POST /bluetooth/discoverable/{state}", s.handleDiscoverable)
	mux.HandleFunc("POST /bluetooth/discovery/start", s.handleDiscoveryStart)
	mux.HandleFunc("POST /bluetooth/discovery/stop", s.handleDiscoveryStop)

	mux.HandleFunc("GET /bluetooth/devices", s.handleDevices)
	mux.HandleFunc("GET /bluetooth/info/{address}", s.handleDeviceInfo)
	mux.HandleFunc("POST /bluetooth/connect/{address}", s.handleConnect)
	mux.HandleFunc("POST /bluetooth/disconnect/{address}", s.handleDisconnect)
	mux.HandleFunc("POST /bluetooth/pair/{address}", s.handlePair)
	mux.HandleFunc("POST /bluetooth/remove/{address}", s.handleRemove)
	mux.HandleFunc("POST /bluetooth/network/{address}", s.handleNetwork)

	mux.HandleFunc("GET /bluetooth/pairing", s.handlePairingRequests)
	mux.HandleFunc("POST /bluetooth/pairing/accept", s.handlePairingAccept)
	mux.HandleFunc("POST /bluetooth/pairing/deny", s.handlePairingDeny)

	return cors(mux)
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Error encoding response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	resp := ErrorResponse{Error: err.Error()}

	var connectErr *bluetooth.ConnectError
	switch {
	case errors.Is(err, bluetooth.ErrAdapterNotPresent):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errDeviceNotFound), errors.Is(err, ws.ErrNoPairingRequest):
		status = http.StatusNotFound
	case errors.Is(err, ws.ErrInvalidAnswer):
		status = http.StatusBadRequest
	case errors.Is(err, ws.ErrPairingExpired):
		status = http.StatusGone
	case errors.Is(err, bluetooth.ErrSessionInactive), errors.Is(err, bluetooth.ErrDiscoveryBusy):
		status = http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &connectErr):
		status = http.StatusBadGateway
		resp.Code = connectErr.Code.String()
	case bluetooth.ErrorName(err) != "":
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func parseState(r *http.Request) (bool, error) {
	switch r.PathValue("state") {
	case "on", "true", "1":
		return true, nil
	case "off", "false", "0":
		return false, nil
	}
	return false, errors.Errorf("invalid state %q", r.PathValue("state"))
}

// await runs start on the loop and waits for its result.
func (s *Server) await(r *http.Request, start func(finish func(error))) error {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.OperationTimeout)
	defer cancel()
	return eventloop.Await(ctx, s.loop, start)
}

// query runs fn on the loop and hands its result back over a channel. A
// result produced after ctx expired is dropped.
func query[T any](s *Server, r *http.Request, fn func() (T, error)) (T, error) {
	results := make(chan T, 1)
	err := s.await(r, func(finish func(error)) {
		v, err := fn()
		if err == nil {
			results <- v
		}
		finish(err)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-results, nil
}

// withDevice runs op on the loop with the device named in the path.
func (s *Server) withDevice(r *http.Request, op func(d *bluetooth.Device, finish func(error))) error {
	address := r.PathValue("address")
	return s.await(r, func(finish func(error)) {
		d := s.adapter.Device(address)
		if d == nil {
			finish(errors.Wrap(errDeviceNotFound, address))
			return
		}
		op(d, finish)
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	content, err := os.ReadFile(s.opts.VersionFile)
	if err != nil {
		http.Error(w, "Error reading version file", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, InfoResponse{Version: strings.TrimSpace(string(content))})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("WebSocket upgrade failed: %v", err)
		return
	}
	s.hub.Serve(conn, func(data []byte) {
		s.loop.Post(func() {
			if err := s.bridge.HandleMessage(data); err != nil {
				log.Warnf("WebSocket command failed: %v", err)
			}
		})
	})
}

func (s *Server) handleAdapter(w http.ResponseWriter, r *http.Request) {
	info, err := query(s, r, func() (*utils.AdapterInfo, error) {
		return utils.NewAdapterInfo(s.adapter), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) setAdapterState(w http.ResponseWriter, r *http.Request, set func(bool, func(), func(error))) {
	state, err := parseState(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	err = s.await(r, func(finish func(error)) {
		set(state, func() { finish(nil) }, finish)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleAdapter(w, r)
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	s.setAdapterState(w, r, s.adapter.SetPowered)
}

func (s *Server) handleDiscoverable(w http.ResponseWriter, r *http.Request) {
	s.setAdapterState(w, r, s.adapter.SetDiscoverable)
}

func (s *Server) handleDiscoveryStart(w http.ResponseWriter, r *http.Request) {
	err := s.await(r, func(finish func(error)) {
		if s.session != nil && s.session.IsActive() {
			finish(nil)
			return
		}
		s.adapter.StartDiscoverySession(func(session *bluetooth.DiscoverySession) {
			s.session = session
			finish(nil)
		}, finish)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscoveryStop(w http.ResponseWriter, r *http.Request) {
	err := s.await(r, func(finish func(error)) {
		if s.session == nil {
			finish(bluetooth.ErrSessionInactive)
			return
		}
		session := s.session
		session.Stop(func() {
			if s.session == session {
				s.session = nil
			}
			finish(nil)
		}, finish)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := query(s, r, func() ([]*utils.BluetoothDeviceInfo, error) {
		devices := []*utils.BluetoothDeviceInfo{}
		for _, d := range s.adapter.Devices() {
			devices = append(devices, utils.NewBluetoothDeviceInfo(d))
		}
		return devices, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) handleDeviceInfo(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	info, err := query(s, r, func() (*utils.BluetoothDeviceInfo, error) {
		d := s.adapter.Device(address)
		if d == nil {
			return nil, errors.Wrap(errDeviceNotFound, address)
		}
		return utils.NewBluetoothDeviceInfo(d), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// respondDevice answers with the device's state after a completed operation.
func (s *Server) respondDevice(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	s.handleDeviceInfo(w, r)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	err := s.withDevice(r, func(d *bluetooth.Device, finish func(error)) {
		d.Connect(s.bridge, func() { finish(nil) }, finish)
	})
	s.respondDevice(w, r, err)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	err := s.withDevice(r, func(d *bluetooth.Device, finish func(error)) {
		d.Disconnect(func() { finish(nil) }, finish)
	})
	s.respondDevice(w, r, err)
}

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	err := s.withDevice(r, func(d *bluetooth.Device, finish func(error)) {
		d.Pair(s.bridge, func() { finish(nil) }, finish)
	})
	s.respondDevice(w, r, err)
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	err := s.withDevice(r, func(d *bluetooth.Device, finish func(error)) {
		d.Forget(func() { finish(nil) }, finish)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	resp := NetworkResponse{Address: bluetooth.CanonicalAddress(r.PathValue("address"))}
	ifaces := make(chan string, 1)
	err := s.withDevice(r, func(d *bluetooth.Device, finish func(error)) {
		d.ConnectNetwork(s.opts.NetworkRole, func(iface string) {
			ifaces <- iface
			finish(nil)
		}, finish)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	resp.Interface = <-ifaces

	if s.opts.LinkUp != nil {
		if err := s.opts.LinkUp(resp.Interface); err != nil {
			log.Warnf("Failed to bring up %s: %v", resp.Interface, err)
		}
	}
	s.loop.Post(func() {
		s.hub.Broadcast(utils.WebSocketEvent{
			Type:    "bluetooth/network/connected",
			Payload: utils.NetworkConnectedPayload{Address: resp.Address, Interface: resp.Interface},
		})
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePairingRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := query(s, r, func() ([]utils.PairingRequest, error) {
		return s.bridge.Requests(), nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if requests == nil {
		requests = []utils.PairingRequest{}
	}
	writeJSON(w, http.StatusOK, requests)
}

func readCommand(r *http.Request) (utils.PairingCommand, error) {
	var cmd utils.PairingCommand
	if r.ContentLength == 0 {
		return cmd, nil
	}
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		return cmd, errors.Wrap(err, "invalid request body")
	}
	return cmd, nil
}

func (s *Server) handlePairingAccept(w http.ResponseWriter, r *http.Request) {
	cmd, err := readCommand(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	err = s.await(r, func(finish func(error)) {
		finish(s.bridge.Accept(cmd.ID, cmd.Value))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePairingDeny(w http.ResponseWriter, r *http.Request) {
	cmd, err := readCommand(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	err = s.await(r, func(finish func(error)) {
		finish(s.bridge.Reject(cmd.ID))
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
