package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/usenocturne/btmgr/api"
	"github.com/usenocturne/btmgr/bluetooth"
	"github.com/usenocturne/btmgr/bluez"
	"github.com/usenocturne/btmgr/config"
	"github.com/usenocturne/btmgr/eventloop"
	"github.com/usenocturne/btmgr/pan"
	"github.com/usenocturne/btmgr/utils"
	"github.com/usenocturne/btmgr/ws"
)

var log = logrus.WithField("component", "main")

// adapterSetup applies the configured power and visibility whenever an
// adapter appears.
type adapterSetup struct {
	bluetooth.BaseObserver
	cfg config.PairingConfig
}

func (s *adapterSetup) AdapterPresentChanged(a *bluetooth.Adapter, present bool) {
	if !present {
		return
	}
	if s.cfg.PowerOn && !a.IsPowered() {
		a.SetPowered(true, func() { log.Info("Adapter powered on") }, func(err error) {
			log.Warnf("Failed to power on adapter: %v", err)
		})
	}
	if s.cfg.Discoverable && !a.IsDiscoverable() {
		a.SetDiscoverable(true, nil, func(err error) {
			log.Warnf("Failed to make adapter discoverable: %v", err)
		})
	}
}

func main() {
	configPath := flag.String("config", "/etc/btmgr/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Logger.Configure(logrus.StandardLogger()); err != nil {
		log.Fatalf("Failed to configure logger: %v", err)
	}
	agentTimeout, err := cfg.Bluez.Timeout()
	if err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		log.Fatalf("Failed to connect to system bus: %v", err)
	}
	defer conn.Close()

	loop := eventloop.New()
	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("Event loop stopped: %v", err)
		}
	}()

	transport := bluez.New(conn, loop, bluez.Options{
		AdapterName:     cfg.Bluez.Adapter,
		AgentPath:       dbus.ObjectPath(cfg.Bluez.AgentPath),
		AgentCapability: cfg.Bluez.AgentCapability,
		AgentTimeout:    agentTimeout,
		ProfilePath:     dbus.ObjectPath(cfg.Bluez.ProfilePath),
	})
	adapter := bluetooth.NewAdapter(transport, loop)
	hub := ws.NewWebSocketHub()
	bridge := ws.NewBridge(adapter, hub)

	priority := bluetooth.PairingDelegatePriorityLow
	if cfg.Pairing.DelegatePriority == "high" {
		priority = bluetooth.PairingDelegatePriorityHigh
	}
	err = loop.Call(ctx, func() {
		adapter.AddObserver(&adapterSetup{cfg: cfg.Pairing})
		bridge.Attach(priority)
	})
	if err != nil {
		log.Fatalf("Failed to attach pairing bridge: %v", err)
	}

	if err := transport.Start(adapter); err != nil {
		log.Fatalf("Failed to start BlueZ transport: %v", err)
	}
	defer transport.Close()

	monitor := pan.NewMonitor(cfg.Network.InterfacePrefix)
	err = monitor.Watch(ctx, func(event pan.LinkEvent) {
		switch {
		case event.Removed:
			loop.Post(func() {
				hub.Broadcast(utils.WebSocketEvent{
					Type:    "bluetooth/network/disconnected",
					Payload: utils.NetworkDisconnectedPayload{Interface: event.Name},
				})
			})
		case !event.Up:
			if err := pan.EnsureUp(event.Name); err != nil {
				log.Warnf("Failed to bring up %s: %v", event.Name, err)
			}
		}
	})
	if err != nil {
		log.Warnf("Network monitoring disabled: %v", err)
	}

	server := api.New(loop, adapter, bridge, hub, api.Options{
		VersionFile: cfg.Server.VersionFile,
		NetworkRole: cfg.Network.Role,
		LinkUp:      pan.EnsureUp,
	})
	httpServer := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: server.Handler(),
	}

	go func() {
		log.Infof("Server starting on :%s", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("Server shutdown: %v", err)
	}
	<-loopDone
}
