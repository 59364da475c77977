package observer

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/FreeKopcap/meshcore-analyzer/internal/events"
)

// LineKind classifies one observer log line.
type LineKind int

const (
	LineIgnored LineKind = iota
	LineMalformed
	LineRx
	LineTx
	LineRaw
)

const (
	rxMarker  = "U: RX,"
	txMarker  = "U: TX,"
	rawMarker = "U RAW:"
)

// ParseLine turns one observer log line into a bus event: an
// events.RxReport, events.TxReport or events.RawFrame for the matching kind,
// and an events.LineDiag for ignored or malformed lines. Pure; safe for
// concurrent use.
func ParseLine(line string) (any, LineKind) {
	// Command echo, end-of-log marker and blank lines carry no data.
	if line == "" || strings.HasPrefix(line, "log") || strings.Contains(line, "EOF") {
		return events.LineDiag{Ignored: true}, LineIgnored
	}

	switch {
	case strings.Contains(line, rxMarker):
		return parseRx(line)
	case strings.Contains(line, txMarker):
		return parseTx(line)
	case strings.Contains(line, rawMarker):
		return parseRaw(line)
	}

	return events.LineDiag{Ignored: true}, LineIgnored
}

// parseRx handles lines like
//
//	U: RX, type=5, route=F, payload_len=32 SNR=10.5 RSSI=-85 score=1000 [72->AF]
func parseRx(line string) (any, LineKind) {
	snrField, okSNR := fieldAfter(line, "SNR=")
	rssiField, okRSSI := fieldAfter(line, "RSSI=")
	if !okSNR || !okRSSI {
		return events.LineDiag{Malformed: true}, LineMalformed
	}

	snr, err := strconv.ParseFloat(snrField, 64)
	if err != nil {
		return events.LineDiag{Malformed: true}, LineMalformed
	}
	rssi, err := strconv.Atoi(rssiField)
	if err != nil {
		return events.LineDiag{Malformed: true}, LineMalformed
	}

	payloadType, ok := typeField(line)
	if !ok {
		return events.LineDiag{Malformed: true}, LineMalformed
	}
	src, dst := addressPair(line)

	return events.RxReport{
		SNR:         snr,
		RSSI:        rssi,
		PayloadType: payloadType,
		Src:         src,
		Dst:         dst,
		ScoreZero:   strings.Contains(line, "score=0"),
	}, LineRx
}

func parseTx(line string) (any, LineKind) {
	payloadType, ok := typeField(line)
	if !ok {
		return events.LineDiag{Malformed: true}, LineMalformed
	}
	src, dst := addressPair(line)

	return events.TxReport{PayloadType: payloadType, Src: src, Dst: dst}, LineTx
}

// parseRaw handles lines like
//
//	12:03:55 - 28/8/2026 U RAW: 150348102233DEADBEEF
//
// The prefix before the marker is the device timestamp.
func parseRaw(line string) (any, LineKind) {
	before, after, _ := strings.Cut(line, rawMarker)

	frame, err := hex.DecodeString(strings.TrimSpace(after))
	if err != nil || len(frame) == 0 {
		// Still a raw line in the device log; the Raw flag keeps the raw
		// counter aligned when the hex payload is unusable.
		return events.LineDiag{Malformed: true, Raw: true}, LineMalformed
	}

	return events.RawFrame{
		DeviceTime: strings.TrimSpace(before),
		Frame:      frame,
	}, LineRaw
}

// fieldAfter extracts the whitespace-delimited token following a marker.
func fieldAfter(line, marker string) (string, bool) {
	_, after, found := strings.Cut(line, marker)
	if !found {
		return "", false
	}

	field := after
	if idx := strings.IndexAny(after, " \t"); idx >= 0 {
		field = after[:idx]
	}
	field = strings.TrimRight(field, ",")
	if field == "" {
		return "", false
	}

	return field, true
}

func typeField(line string) (int, bool) {
	_, after, found := strings.Cut(line, "type=")
	if !found {
		return 0, false
	}
	raw := after
	if idx := strings.IndexAny(after, ", \t"); idx >= 0 {
		raw = after[:idx]
	}

	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}

	return value, true
}

// addressPair extracts the optional [src->dst] bracket pair. Lines without
// one are broadcast traffic.
func addressPair(line string) (src, dst string) {
	_, after, found := strings.Cut(line, "[")
	if !found {
		return "", ""
	}
	bracket, _, found := strings.Cut(after, "]")
	if !found {
		return "", ""
	}
	rawSrc, rawDst, found := strings.Cut(bracket, "->")
	if !found {
		return "", ""
	}

	return strings.TrimSpace(rawSrc), strings.TrimSpace(rawDst)
}
