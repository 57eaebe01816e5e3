package utils

import (
	"fmt"

	"github.com/usenocturne/btmgr/bluetooth"
)

// Bluetooth
type BluetoothDeviceInfo struct {
	Address           string   `json:"address"`
	Name              string   `json:"name"`
	Class             string   `json:"class"`
	Icon              string   `json:"icon"`
	Type              string   `json:"type"`
	Paired            bool     `json:"paired"`
	Trusted           bool     `json:"trusted"`
	Blocked           bool     `json:"blocked"`
	Connected         bool     `json:"connected"`
	Connecting        bool     `json:"connecting"`
	LegacyPairing     bool     `json:"legacyPairing"`
	RSSI              int16    `json:"rssi,omitempty"`
	UUIDs             []string `json:"uuids,omitempty"`
	Modalias          string   `json:"modalias,omitempty"`
	BatteryPercentage int      `json:"batteryPercentage,omitempty"`
}

func NewBluetoothDeviceInfo(d *bluetooth.Device) *BluetoothDeviceInfo {
	info := &BluetoothDeviceInfo{
		Address:       d.Address(),
		Name:          d.Name(),
		Class:         fmt.Sprintf("0x%06x", d.Class()),
		Icon:          d.Icon(),
		Type:          d.DeviceType().String(),
		Paired:        d.IsPaired(),
		Trusted:       d.IsTrusted(),
		Blocked:       d.IsBlocked(),
		Connected:     d.IsConnected(),
		Connecting:    d.IsConnecting(),
		LegacyPairing: d.SupportsLegacyPairing(),
		RSSI:          d.RSSI(),
		UUIDs:         d.UUIDs(),
		Modalias:      d.Modalias(),
	}
	if level, ok := d.BatteryPercentage(); ok {
		info.BatteryPercentage = level
	}
	return info
}

type AdapterInfo struct {
	Present      bool   `json:"present"`
	Address      string `json:"address,omitempty"`
	Name         string `json:"name,omitempty"`
	Powered      bool   `json:"powered"`
	Discoverable bool   `json:"discoverable"`
	Discovering  bool   `json:"discovering"`
}

func NewAdapterInfo(a *bluetooth.Adapter) *AdapterInfo {
	return &AdapterInfo{
		Present:      a.IsPresent(),
		Address:      a.Address(),
		Name:         a.Name(),
		Powered:      a.IsPowered(),
		Discoverable: a.IsDiscoverable(),
		Discovering:  a.IsDiscovering(),
	}
}

type PairingRequest struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	RequestType string `json:"requestType"`
	Passkey     string `json:"passkey,omitempty"`
}

// WebSocket
type WebSocketEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type PairingStartedPayload struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	RequestType string `json:"requestType"`
	PairingKey  string `json:"pairingKey,omitempty"`
}

type KeysEnteredPayload struct {
	Address string `json:"address"`
	Entered uint32 `json:"entered"`
}

type DeviceConnectedPayload struct {
	Address string `json:"address"`
}

type DeviceDisconnectedPayload struct {
	Address string `json:"address"`
}

type DevicePairedPayload struct {
	Device *BluetoothDeviceInfo `json:"device"`
}

type DevicePayload struct {
	Device *BluetoothDeviceInfo `json:"device"`
}

type NetworkConnectedPayload struct {
	Address   string `json:"address"`
	Interface string `json:"interface"`
}

type NetworkDisconnectedPayload struct {
	Interface string `json:"interface"`
}

// WebSocketCommand is a message sent by a client.
type WebSocketCommand struct {
	Type    string         `json:"type"`
	Payload PairingCommand `json:"payload"`
}

type PairingCommand struct {
	ID    string `json:"id"`
	Value string `json:"value,omitempty"`
}
