package mesh

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated marks a frame shorter than its declared field lengths.
	ErrTruncated = errors.New("truncated frame")
	// ErrUnknownPayloadType marks a structurally valid frame whose payload
	// type code has no defined meaning. The returned Packet is still usable.
	ErrUnknownPayloadType = errors.New("unknown payload type")
)

const (
	headerLen         = 1
	transportCodesLen = 4
	// Header, path length byte and at least one more byte. Shorter frames
	// cannot carry anything meaningful and are rejected outright.
	minFrameLen = 3

	routeMask    = 0x03
	payloadShift = 2
	payloadMask  = 0x0F
	versionShift = 6
)

// Decode parses a raw MeshCore v1 frame:
//
//	[header 1B][transport codes 4B (transport routes only)][path len 1B][path][payload]
//
// Pure and deterministic; safe to call concurrently on independent frames.
// A Packet is returned together with ErrUnknownPayloadType so callers can
// still aggregate unknown traffic structurally.
func Decode(frame []byte) (Packet, error) {
	if len(frame) < minFrameLen {
		return Packet{}, fmt.Errorf("frame of %d bytes: %w", len(frame), ErrTruncated)
	}

	header := frame[0]
	p := Packet{
		RouteType:   RouteType(header & routeMask),
		PayloadType: PayloadType((header >> payloadShift) & payloadMask),
		Version:     header >> versionShift,
	}

	offset := headerLen
	if p.RouteType.HasTransportCodes() {
		if len(frame) < offset+transportCodesLen {
			return Packet{}, fmt.Errorf("transport codes: %w", ErrTruncated)
		}
		p.TransportCodes = append([]byte(nil), frame[offset:offset+transportCodesLen]...)
		offset += transportCodesLen
	}

	if offset >= len(frame) {
		return Packet{}, fmt.Errorf("path length: %w", ErrTruncated)
	}
	pathLen := int(frame[offset])
	offset++

	if offset+pathLen > len(frame) {
		return Packet{}, fmt.Errorf("path of %d hops: %w", pathLen, ErrTruncated)
	}
	p.Path = append([]byte(nil), frame[offset:offset+pathLen]...)
	p.Payload = append([]byte(nil), frame[offset+pathLen:]...)

	if !p.PayloadType.Known() {
		return p, fmt.Errorf("payload type %d: %w", byte(p.PayloadType), ErrUnknownPayloadType)
	}

	return p, nil
}

// Encode produces the wire form of a packet. Used by tests and diagnostics;
// the analyzer itself never transmits mesh traffic.
func Encode(p Packet) []byte {
	header := byte(p.RouteType)&routeMask |
		(byte(p.PayloadType)&payloadMask)<<payloadShift |
		p.Version<<versionShift

	frame := make([]byte, 0, headerLen+transportCodesLen+1+len(p.Path)+len(p.Payload))
	frame = append(frame, header)
	if p.RouteType.HasTransportCodes() {
		codes := p.TransportCodes
		if len(codes) != transportCodesLen {
			codes = make([]byte, transportCodesLen)
			copy(codes, p.TransportCodes)
		}
		frame = append(frame, codes...)
	}
	frame = append(frame, byte(len(p.Path)))
	frame = append(frame, p.Path...)
	frame = append(frame, p.Payload...)

	return frame
}
