package mesh

import "fmt"

// RouteType occupies bits 0-1 of the MeshCore v1 header byte.
type RouteType byte

const (
	RouteTransportFlood  RouteType = 0x00
	RouteFlood           RouteType = 0x01
	RouteDirect          RouteType = 0x02
	RouteTransportDirect RouteType = 0x03
)

// HasTransportCodes reports whether frames with this route type carry the
// 4-byte transport codes field after the header.
func (r RouteType) HasTransportCodes() bool {
	return r == RouteTransportFlood || r == RouteTransportDirect
}

func (r RouteType) String() string {
	switch r {
	case RouteTransportFlood:
		return "T_FLOOD"
	case RouteFlood:
		return "FLOOD"
	case RouteDirect:
		return "DIRECT"
	case RouteTransportDirect:
		return "T_DIRECT"
	}

	return fmt.Sprintf("?%d", byte(r))
}

// PayloadType occupies bits 2-5 of the MeshCore v1 header byte.
type PayloadType byte

const (
	PayloadReq       PayloadType = 0x00
	PayloadResponse  PayloadType = 0x01
	PayloadTxtMsg    PayloadType = 0x02
	PayloadAck       PayloadType = 0x03
	PayloadAdvert    PayloadType = 0x04
	PayloadGrpTxt    PayloadType = 0x05
	PayloadGrpData   PayloadType = 0x06
	PayloadAnonReq   PayloadType = 0x07
	PayloadPath      PayloadType = 0x08
	PayloadTrace     PayloadType = 0x09
	PayloadMultipart PayloadType = 0x0A
	PayloadControl   PayloadType = 0x0B
	PayloadRawCustom PayloadType = 0x0F
)

var payloadNames = map[PayloadType]string{
	PayloadReq:       "REQ",
	PayloadResponse:  "RESPONSE",
	PayloadTxtMsg:    "TXT_MSG",
	PayloadAck:       "ACK",
	PayloadAdvert:    "ADVERT",
	PayloadGrpTxt:    "GRP_TXT",
	PayloadGrpData:   "GRP_DATA",
	PayloadAnonReq:   "ANON_REQ",
	PayloadPath:      "PATH",
	PayloadTrace:     "TRACE",
	PayloadMultipart: "MULTIPART",
	PayloadControl:   "CONTROL",
	PayloadRawCustom: "RAW_CUSTOM",
}

// Known reports whether the payload type code has a defined semantic meaning.
// Unknown codes still decode structurally and keep their payload opaque.
func (p PayloadType) Known() bool {
	_, ok := payloadNames[p]
	return ok
}

// IsGroup reports whether the payload is an encrypted group-channel message.
func (p PayloadType) IsGroup() bool {
	return p == PayloadGrpTxt || p == PayloadGrpData
}

func (p PayloadType) String() string {
	if name, ok := payloadNames[p]; ok {
		return name
	}

	return fmt.Sprintf("?%d", byte(p))
}

// Packet is one decoded MeshCore frame. SNR and RSSI are link metadata
// supplied by the observer out of band, not part of the frame itself.
type Packet struct {
	RouteType      RouteType
	PayloadType    PayloadType
	Version        byte
	TransportCodes []byte
	Path           []byte
	Payload        []byte

	SNR  float64
	RSSI int
}

func (p Packet) HopCount() int {
	return len(p.Path)
}

// PathHex renders each hop identifier as uppercase hex, the form used for
// node ids throughout statistics and reports.
func (p Packet) PathHex() []string {
	out := make([]string, len(p.Path))
	for i, b := range p.Path {
		out[i] = fmt.Sprintf("%02X", b)
	}

	return out
}

// Label is the short "ROUTE PAYLOAD" form used in logs.
func (p Packet) Label() string {
	return p.RouteType.String() + " " + p.PayloadType.String()
}
