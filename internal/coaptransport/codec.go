package coaptransport

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/plgd-dev/go-coap/v2/message/codes"

	"github.com/jroosing/coapfwd/internal/proxy"
)

const (
	coapVersion   = 1
	payloadMarker = 0xFF
	tokenLenMax   = 8
)

var (
	errShortDatagram  = errors.New("coaptransport: datagram shorter than the fixed CoAP header")
	errBadVersion     = errors.New("coaptransport: unsupported CoAP version")
	errTokenTooLong   = errors.New("coaptransport: token exceeds 8 bytes")
	errOptionOverflow = errors.New("coaptransport: option length encoding overflow")
)

// typeToWire and wireToType translate proxy.MessageType to and from the
// 2-bit CoAP T field (RFC 7252 §3).
func typeToWire(t proxy.MessageType) byte {
	switch t {
	case proxy.TypeCON:
		return 0
	case proxy.TypeNON:
		return 1
	case proxy.TypeACK:
		return 2
	case proxy.TypeRST:
		return 3
	default:
		return 0
	}
}

func wireToType(b byte) proxy.MessageType {
	switch b {
	case 0:
		return proxy.TypeCON
	case 1:
		return proxy.TypeNON
	case 2:
		return proxy.TypeACK
	case 3:
		return proxy.TypeRST
	default:
		return proxy.TypeCON
	}
}

type wireOption struct {
	number uint16
	value  []byte
}

// EncodeMessage is the exported form of encodeMessage, for callers outside
// this package that need to build a raw datagram without going through the
// Transport/Transaction machinery — the CLI harnesses in cmd/coap-client and
// cmd/humidity-resource talk CoAP directly this way.
func EncodeMessage(msg proxy.Message) ([]byte, error) {
	return encodeMessage(msg)
}

// DecodeMessage is the exported form of decodeMessage; see EncodeMessage.
func DecodeMessage(data []byte) (proxy.Message, error) {
	return decodeMessage(data)
}

// encodeMessage serializes msg to a raw CoAP-over-UDP datagram (RFC 7252
// §3). It is the engine-facing half of Transport.SerializeMessage.
func encodeMessage(msg proxy.Message) ([]byte, error) {
	if len(msg.Token) > tokenLenMax {
		return nil, errTokenTooLong
	}

	var buf bytes.Buffer
	firstByte := byte(coapVersion<<6) | (typeToWire(msg.Type) << 4) | byte(len(msg.Token)&0x0F)
	buf.WriteByte(firstByte)
	buf.WriteByte(byte(toCoapCode(msg.Code)))
	buf.WriteByte(byte(msg.MID >> 8))
	buf.WriteByte(byte(msg.MID))
	buf.Write(msg.Token)

	opts, err := buildOptions(msg)
	if err != nil {
		return nil, err
	}
	if err := writeOptions(&buf, opts); err != nil {
		return nil, err
	}

	if len(msg.Payload) > 0 {
		buf.WriteByte(payloadMarker)
		buf.Write(msg.Payload)
	}
	return buf.Bytes(), nil
}

func buildOptions(msg proxy.Message) ([]wireOption, error) {
	var opts []wireOption
	if msg.ProxyUri != "" {
		opts = append(opts, wireOption{number: uint16(optionProxyURI), value: []byte(msg.ProxyUri)})
	}
	if msg.UriPath != "" {
		for _, segment := range splitPath(msg.UriPath) {
			opts = append(opts, wireOption{number: uint16(optionURIPath), value: []byte(segment)})
		}
	}
	if msg.ContentFormatSet {
		opts = append(opts, wireOption{number: uint16(optionContentFormat), value: uintOptionValue(uint32(msg.ContentFormat))})
	}
	if msg.MaxAgeSet {
		opts = append(opts, wireOption{number: uint16(optionMaxAge), value: uintOptionValue(msg.MaxAge)})
	}
	if msg.ObserveSet {
		opts = append(opts, wireOption{number: uint16(optionObserve), value: uintOptionValue(msg.Observe)})
	}
	sort.SliceStable(opts, func(i, j int) bool { return opts[i].number < opts[j].number })
	return opts, nil
}

func splitPath(path string) []string {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	if trimmed == "" {
		return nil
	}
	var segments []string
	start := 0
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] == '/' {
			segments = append(segments, trimmed[start:i])
			start = i + 1
		}
	}
	segments = append(segments, trimmed[start:])
	return segments
}

func uintOptionValue(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v <= 0xFF:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{byte(v >> 8), byte(v)}
	case v <= 0xFFFFFF:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

func optionValueToUint(b []byte) uint32 {
	var v uint32
	for _, by := range b {
		v = v<<8 | uint32(by)
	}
	return v
}

// writeOptions encodes options in delta-length form (RFC 7252 §3.1). opts
// must already be sorted ascending by option number.
func writeOptions(buf *bytes.Buffer, opts []wireOption) error {
	prev := uint16(0)
	for _, opt := range opts {
		delta := opt.number - prev
		prev = opt.number
		length := len(opt.value)

		deltaNibble, deltaExt, err := extendedField(delta)
		if err != nil {
			return err
		}
		lengthNibble, lengthExt, err := extendedField(uint16(length))
		if err != nil {
			return err
		}
		buf.WriteByte(byte(deltaNibble<<4) | byte(lengthNibble))
		buf.Write(deltaExt)
		buf.Write(lengthExt)
		buf.Write(opt.value)
	}
	return nil
}

// extendedField returns the 4-bit nibble and any extended bytes for a CoAP
// option delta or length value per RFC 7252 §3.1's encoding table.
func extendedField(v uint16) (nibble byte, ext []byte, err error) {
	switch {
	case v < 13:
		return byte(v), nil, nil
	case v < 13+256:
		return 13, []byte{byte(v - 13)}, nil
	case int(v) < 13+256+65536:
		ev := v - (13 + 256)
		return 14, []byte{byte(ev >> 8), byte(ev)}, nil
	default:
		return 0, nil, errOptionOverflow
	}
}

// decodeMessage parses a raw CoAP-over-UDP datagram into a proxy.Message.
// It is the engine-facing half of Transport.ParseMessage.
func decodeMessage(data []byte) (proxy.Message, error) {
	if len(data) < 4 {
		return proxy.Message{}, errShortDatagram
	}
	version := data[0] >> 6
	if version != coapVersion {
		return proxy.Message{}, errBadVersion
	}
	typ := wireToType((data[0] >> 4) & 0x03)
	tokenLen := int(data[0] & 0x0F)
	code := fromCoapCode(codes.Code(data[1]))
	mid := uint16(data[2])<<8 | uint16(data[3])

	offset := 4
	if tokenLen > tokenLenMax || offset+tokenLen > len(data) {
		return proxy.Message{}, fmt.Errorf("coaptransport: invalid token length %d", tokenLen)
	}
	token := append([]byte(nil), data[offset:offset+tokenLen]...)
	offset += tokenLen

	msg := proxy.Message{Type: typ, Code: code, MID: mid, Token: token}

	optNum := uint16(0)
	var pathSegments []string
	for offset < len(data) {
		if data[offset] == payloadMarker {
			offset++
			break
		}
		deltaNibble := data[offset] >> 4
		lengthNibble := data[offset] & 0x0F
		offset++

		delta, newOffset, err := readExtendedField(data, offset, deltaNibble)
		if err != nil {
			return proxy.Message{}, err
		}
		offset = newOffset
		length, newOffset, err := readExtendedField(data, offset, lengthNibble)
		if err != nil {
			return proxy.Message{}, err
		}
		offset = newOffset

		if offset+int(length) > len(data) {
			return proxy.Message{}, errors.New("coaptransport: option value runs past end of datagram")
		}
		value := data[offset : offset+int(length)]
		offset += int(length)
		optNum += delta

		switch optNum {
		case uint16(optionURIPath):
			pathSegments = append(pathSegments, string(value))
		case uint16(optionProxyURI):
			msg.ProxyUri = string(value)
		case uint16(optionContentFormat):
			msg.ContentFormat = uint16(optionValueToUint(value))
			msg.ContentFormatSet = true
		case uint16(optionMaxAge):
			msg.MaxAge = optionValueToUint(value)
			msg.MaxAgeSet = true
		case uint16(optionObserve):
			msg.Observe = optionValueToUint(value)
			msg.ObserveSet = true
		}
	}
	if len(pathSegments) > 0 {
		msg.UriPath = "/" + joinPath(pathSegments)
	}
	msg.Payload = append([]byte(nil), data[offset:]...)
	return msg, nil
}

func joinPath(segments []string) string {
	var buf bytes.Buffer
	for i, s := range segments {
		if i > 0 {
			buf.WriteByte('/')
		}
		buf.WriteString(s)
	}
	return buf.String()
}

func readExtendedField(data []byte, offset int, nibble byte) (value uint16, newOffset int, err error) {
	switch nibble {
	case 13:
		if offset >= len(data) {
			return 0, 0, errShortDatagram
		}
		return uint16(data[offset]) + 13, offset + 1, nil
	case 14:
		if offset+1 >= len(data) {
			return 0, 0, errShortDatagram
		}
		return uint16(data[offset])<<8 | uint16(data[offset+1]) + (13 + 256), offset + 2, nil
	case 15:
		return 0, 0, errors.New("coaptransport: reserved option nibble 15")
	default:
		return uint16(nibble), offset, nil
	}
}

