package bluetooth

// Error names returned by the daemon.
const (
	BLUEZ_ERROR_FAILED                    = "org.bluez.Error.Failed"
	BLUEZ_ERROR_IN_PROGRESS               = "org.bluez.Error.InProgress"
	BLUEZ_ERROR_NOT_SUPPORTED             = "org.bluez.Error.NotSupported"
	BLUEZ_ERROR_NOT_READY                 = "org.bluez.Error.NotReady"
	BLUEZ_ERROR_NOT_CONNECTED             = "org.bluez.Error.NotConnected"
	BLUEZ_ERROR_ALREADY_EXISTS            = "org.bluez.Error.AlreadyExists"
	BLUEZ_ERROR_DOES_NOT_EXIST            = "org.bluez.Error.DoesNotExist"
	BLUEZ_ERROR_INVALID_ARGUMENTS         = "org.bluez.Error.InvalidArguments"
	BLUEZ_ERROR_REJECTED                  = "org.bluez.Error.Rejected"
	BLUEZ_ERROR_CANCELED                  = "org.bluez.Error.Canceled"
	BLUEZ_ERROR_CONNECTION_ATTEMPT_FAILED = "org.bluez.Error.ConnectionAttemptFailed"
	BLUEZ_ERROR_AUTHENTICATION_FAILED     = "org.bluez.Error.AuthenticationFailed"
	BLUEZ_ERROR_AUTHENTICATION_CANCELED   = "org.bluez.Error.AuthenticationCanceled"
	BLUEZ_ERROR_AUTHENTICATION_REJECTED   = "org.bluez.Error.AuthenticationRejected"
	BLUEZ_ERROR_AUTHENTICATION_TIMEOUT    = "org.bluez.Error.AuthenticationTimeout"
)

// Adapter property names.
const (
	ADAPTER_PROPERTY_ADDRESS      = "Address"
	ADAPTER_PROPERTY_NAME         = "Name"
	ADAPTER_PROPERTY_ALIAS        = "Alias"
	ADAPTER_PROPERTY_POWERED      = "Powered"
	ADAPTER_PROPERTY_DISCOVERABLE = "Discoverable"
	ADAPTER_PROPERTY_PAIRABLE     = "Pairable"
	ADAPTER_PROPERTY_DISCOVERING  = "Discovering"
)

// Device property names.
const (
	DEVICE_PROPERTY_ADDRESS        = "Address"
	DEVICE_PROPERTY_NAME           = "Name"
	DEVICE_PROPERTY_ALIAS          = "Alias"
	DEVICE_PROPERTY_ICON           = "Icon"
	DEVICE_PROPERTY_CLASS          = "Class"
	DEVICE_PROPERTY_APPEARANCE     = "Appearance"
	DEVICE_PROPERTY_PAIRED         = "Paired"
	DEVICE_PROPERTY_TRUSTED        = "Trusted"
	DEVICE_PROPERTY_BLOCKED        = "Blocked"
	DEVICE_PROPERTY_CONNECTED      = "Connected"
	DEVICE_PROPERTY_LEGACY_PAIRING = "LegacyPairing"
	DEVICE_PROPERTY_UUIDS          = "UUIDs"
	DEVICE_PROPERTY_MODALIAS       = "Modalias"
	DEVICE_PROPERTY_RSSI           = "RSSI"

	// Reported by the daemon's battery interface rather than Device1.
	DEVICE_PROPERTY_BATTERY_PERCENTAGE = "BatteryPercentage"
)

// Profile roles passed in the registration options.
const (
	PROFILE_ROLE_SERVER = "server"
	PROFILE_ROLE_CLIENT = "client"
)
