package events

import "time"

const (
	TopicConnStatus = "conn.status"
	TopicRxReport   = "observer.rx"
	TopicTxReport   = "observer.tx"
	TopicRawFrame   = "observer.raw"
	TopicLineDiag   = "observer.diag"
)

// ConnectionState describes the observer link lifecycle.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus is a bus event snapshot of the serial link state.
type ConnectionStatus struct {
	State     ConnectionState
	Err       string
	Port      string
	Timestamp time.Time
}

// RxReport is one received-packet report line from the observer log,
// carrying the link metadata the radio attached out of band.
type RxReport struct {
	SNR         float64
	RSSI        int
	PayloadType int
	Src         string
	Dst         string
	// ScoreZero marks frames the radio scored as corrupt.
	ScoreZero bool
}

// TxReport is one transmitted-packet report line from the observer log.
type TxReport struct {
	PayloadType int
	Src         string
	Dst         string
}

// RawFrame is one hex-dumped packet frame from the observer log, undecoded.
type RawFrame struct {
	DeviceTime string
	Frame      []byte
}

// LineDiag reports observer log lines that produced no data event, for cycle
// diagnostics.
type LineDiag struct {
	Ignored   bool
	Malformed bool
	// Raw marks a malformed raw frame dump, so raw-line counts stay aligned
	// with the device log even when the hex payload is unusable.
	Raw bool
}
