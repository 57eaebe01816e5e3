package bluez

const (
	BLUEZ_BUS_NAME          = "org.bluez"
	BLUEZ_ADAPTER_INTERFACE = "org.bluez.Adapter1"
	BLUEZ_DEVICE_INTERFACE  = "org.bluez.Device1"
	BLUEZ_AGENT_INTERFACE   = "org.bluez.Agent1"
	BLUEZ_AGENT_MANAGER     = "org.bluez.AgentManager1"
	BLUEZ_PROFILE_INTERFACE = "org.bluez.Profile1"
	BLUEZ_PROFILE_MANAGER   = "org.bluez.ProfileManager1"
	BLUEZ_NETWORK_INTERFACE = "org.bluez.Network1"
	BLUEZ_BATTERY_INTERFACE = "org.bluez.Battery1"
	BLUEZ_OBJECT_PATH       = "/org/bluez"
	BLUEZ_AGENT_PATH        = "/org/bluez/agent"
	BLUEZ_PROFILE_PATH      = "/org/bluez/btmgr/profile"
	BLUEZ_ERROR_REJECTED    = "org.bluez.Error.Rejected"
	BLUEZ_ERROR_CANCELED    = "org.bluez.Error.Canceled"
)

const BLUEZ_DEFAULT_AGENT_CAPABILITY = "KeyboardDisplay"

const (
	DBUS_BUS_NAME             = "org.freedesktop.DBus"
	DBUS_OBJECT_PATH          = "/org/freedesktop/DBus"
	DBUS_PROPERTIES_INTERFACE = "org.freedesktop.DBus.Properties"
	DBUS_OBJECT_MANAGER       = "org.freedesktop.DBus.ObjectManager"
	DBUS_INTROSPECTABLE       = "org.freedesktop.DBus.Introspectable"
)

const (
	signalInterfacesAdded   = DBUS_OBJECT_MANAGER + ".InterfacesAdded"
	signalInterfacesRemoved = DBUS_OBJECT_MANAGER + ".InterfacesRemoved"
	signalPropertiesChanged = DBUS_PROPERTIES_INTERFACE + ".PropertiesChanged"
	signalNameOwnerChanged  = DBUS_BUS_NAME + ".NameOwnerChanged"
)

// batteryPercentageProperty is the Battery1 property folded into device
// properties.
const batteryPercentageProperty = "Percentage"
