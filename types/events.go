package types

// ---- Event loop payloads ----
// Byte slices inside payloads are borrowed for the duration of a handler call.

// Association reason codes (802.11 reason codes plus radio-specific ones).
const (
	ReasonUnspecified      uint16 = 1
	ReasonAuthExpire       uint16 = 2
	ReasonAssocLeave       uint16 = 8
	ReasonBeaconTimeout    uint16 = 200
	ReasonNoAPFound        uint16 = 201
	ReasonAuthFail         uint16 = 202
	ReasonAssocFail        uint16 = 203
	ReasonHandshakeTimeout uint16 = 204
	ReasonConnectionFail   uint16 = 205
)

type AssociationSuccess struct {
	Device  DeviceID
	SSID    string
	BSSID   BSSID
	Channel uint8
}

type AssociationLost struct {
	Device DeviceID
	Reason uint16
}

// ScanDone ends the scan started with the same ID.
type ScanDone struct {
	ID    uint64
	Count int
}

type IPAcquired struct {
	Device DeviceID
	Info   IPInfo
}

type IPLost struct {
	Device DeviceID
}

type FrameReceived struct {
	Device DeviceID
	Data   []byte
}

type FrameSent struct {
	Device DeviceID
	Data   []byte
	OK     bool
}

// RadioFault reports an unrecoverable firmware error.
type RadioFault struct {
	Reason string
	Err    error
}

type StateChanged struct {
	From State
	To   State
}
