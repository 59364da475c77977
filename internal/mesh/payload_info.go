package mesh

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Advert appdata layout: pubkey(32) + timestamp(4) + signature(64) + appdata,
// where appdata is [flags 1B][lat+long 8B?][feature 2B?][feature 2B?][name].
const advertAppDataOffset = 100

const (
	advertFlagLatLong  = 0x10
	advertFlagFeature1 = 0x20
	advertFlagFeature2 = 0x40
	advertFlagName     = 0x80
)

var advertNodeTypes = map[byte]string{
	0x01: "Chat",
	0x02: "Repeater",
	0x03: "Room Server",
	0x04: "Sensor",
}

// AdvertInfo is the subset of an ADVERT appdata block the reports show.
type AdvertInfo struct {
	NodeType string
	Name     string
}

// DecodeAdvert extracts node type and optional name from an ADVERT payload.
// Returns false when the payload is too short to carry appdata.
func DecodeAdvert(payload []byte) (AdvertInfo, bool) {
	if len(payload) <= advertAppDataOffset {
		return AdvertInfo{}, false
	}
	appData := payload[advertAppDataOffset:]

	flags := appData[0]
	nodeType, ok := advertNodeTypes[flags&0x0F]
	if !ok {
		nodeType = fmt.Sprintf("?%02X", flags&0x0F)
	}

	info := AdvertInfo{NodeType: nodeType}
	if flags&advertFlagName != 0 {
		offset := 1
		if flags&advertFlagLatLong != 0 {
			offset += 8
		}
		if flags&advertFlagFeature1 != 0 {
			offset += 2
		}
		if flags&advertFlagFeature2 != 0 {
			offset += 2
		}
		if offset < len(appData) {
			info.Name = strings.TrimSpace(sanitizeUTF8(appData[offset:]))
		}
	}

	return info, true
}

// AddressPair extracts the [src->dst] hash pair carried at the front of
// addressed payloads (REQ, RESPONSE, TXT_MSG, PATH).
func AddressPair(t PayloadType, payload []byte) (src, dst string, ok bool) {
	switch t {
	case PayloadReq, PayloadResponse, PayloadTxtMsg, PayloadPath:
	default:
		return "", "", false
	}
	if len(payload) < 2 {
		return "", "", false
	}

	return fmt.Sprintf("%02X", payload[1]), fmt.Sprintf("%02X", payload[0]), true
}

func sanitizeUTF8(raw []byte) string {
	if utf8.Valid(raw) {
		return string(raw)
	}

	var b strings.Builder
	for len(raw) > 0 {
		r, size := utf8.DecodeRune(raw)
		if r != utf8.RuneError || size > 1 {
			b.WriteRune(r)
		}
		raw = raw[size:]
	}

	return b.String()
}
