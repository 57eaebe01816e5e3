// Package pan watches the network interfaces bluetoothd creates for PAN
// connections.
package pan

import (
	"context"
	"net"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

var log = logrus.WithField("component", "pan")

type LinkEvent struct {
	Name    string
	Up      bool
	Removed bool
}

type Monitor struct {
	prefix string
}

// NewMonitor watches links whose name starts with prefix, e.g. "bnep".
func NewMonitor(prefix string) *Monitor {
	return &Monitor{prefix: prefix}
}

// Watch reports link changes to handle until ctx is done. handle runs on
// the watcher goroutine.
func (m *Monitor) Watch(ctx context.Context, handle func(LinkEvent)) error {
	updates := make(chan netlink.LinkUpdate)
	done := make(chan struct{})

	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) { log.Warnf("Link subscription error: %v", err) },
	})
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to link updates")
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if event, ok := m.classify(update); ok {
					handle(event)
				}
			}
		}
	}()
	return nil
}

func (m *Monitor) classify(update netlink.LinkUpdate) (LinkEvent, bool) {
	if update.Link == nil {
		return LinkEvent{}, false
	}
	attrs := update.Link.Attrs()
	if !strings.HasPrefix(attrs.Name, m.prefix) {
		return LinkEvent{}, false
	}

	switch update.Header.Type {
	case unix.RTM_DELLINK:
		log.Infof("%s interface removed", attrs.Name)
		return LinkEvent{Name: attrs.Name, Removed: true}, true
	case unix.RTM_NEWLINK:
		return LinkEvent{Name: attrs.Name, Up: attrs.Flags&net.FlagUp != 0}, true
	}
	return LinkEvent{}, false
}

// EnsureUp brings the named link up if it is not already.
func EnsureUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return errors.Wrapf(err, "failed to find %s", name)
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return errors.Wrapf(err, "failed to bring up %s", name)
	}
	log.Infof("Brought up %s", name)
	return nil
}
