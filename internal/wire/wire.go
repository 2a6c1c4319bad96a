// Package wire implements the SyncJams datagram envelope: an OSC-shaped
// address string followed by a typed argument tuple. A real deployment
// would hand this off to a dedicated OSC library; this package plays
// that role internally so the rest of the module has something concrete
// to encode to and decode from.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Kind tags the wire type of a single argument.
type Kind byte

const (
	KindInt    Kind = 'i'
	KindFloat  Kind = 'f'
	KindString Kind = 's'
)

// Message is one SyncJams datagram: an address and its argument tuple.
// Every datagram in the protocol is encoded this way (spec §6).
type Message struct {
	Address string
	Args    []any // each element is int64, float64, or string
}

// Int returns the i'th argument as an int64.
func (m Message) Int(i int) (int64, bool) {
	if i < 0 || i >= len(m.Args) {
		return 0, false
	}
	v, ok := m.Args[i].(int64)
	return v, ok
}

// Float returns the i'th argument as a float64.
func (m Message) Float(i int) (float64, bool) {
	if i < 0 || i >= len(m.Args) {
		return 0, false
	}
	switch v := m.Args[i].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// String returns the i'th argument as a string.
func (m Message) String(i int) (string, bool) {
	if i < 0 || i >= len(m.Args) {
		return "", false
	}
	v, ok := m.Args[i].(string)
	return v, ok
}

const maxDatagramSize = 8192 // generous ceiling above the ~512B typical size (spec §6)

// Encode serializes a Message to its wire form.
func Encode(msg Message) ([]byte, error) {
	if len(msg.Address) > 65535 {
		return nil, fmt.Errorf("wire: address too long (%d bytes)", len(msg.Address))
	}

	buf := make([]byte, 0, 128)
	buf = appendUint16(buf, uint16(len(msg.Address)))
	buf = append(buf, msg.Address...)
	buf = appendUint16(buf, uint16(len(msg.Args)))

	for _, arg := range msg.Args {
		var err error
		buf, err = appendArg(buf, arg)
		if err != nil {
			return nil, err
		}
	}

	if len(buf) > maxDatagramSize {
		return nil, fmt.Errorf("wire: encoded message too large (%d bytes)", len(buf))
	}
	return buf, nil
}

func appendArg(buf []byte, arg any) ([]byte, error) {
	switch v := arg.(type) {
	case int64:
		buf = append(buf, byte(KindInt))
		buf = appendUint64(buf, uint64(v))
	case int:
		buf = append(buf, byte(KindInt))
		buf = appendUint64(buf, uint64(int64(v)))
	case float64:
		buf = append(buf, byte(KindFloat))
		buf = appendUint64(buf, math.Float64bits(v))
	case string:
		if len(v) > 65535 {
			return nil, fmt.Errorf("wire: string argument too long (%d bytes)", len(v))
		}
		buf = append(buf, byte(KindString))
		buf = appendUint16(buf, uint16(len(v)))
		buf = append(buf, v...)
	default:
		return nil, fmt.Errorf("wire: unsupported argument type %T", arg)
	}
	return buf, nil
}

// Decode parses a wire-form datagram back into a Message.
func Decode(data []byte) (Message, error) {
	r := reader{data: data}

	addrLen, err := r.uint16()
	if err != nil {
		return Message{}, fmt.Errorf("wire: decode address length: %w", err)
	}
	addr, err := r.bytes(int(addrLen))
	if err != nil {
		return Message{}, fmt.Errorf("wire: decode address: %w", err)
	}

	argc, err := r.uint16()
	if err != nil {
		return Message{}, fmt.Errorf("wire: decode arg count: %w", err)
	}

	args := make([]any, 0, argc)
	for i := 0; i < int(argc); i++ {
		kindByte, err := r.byte()
		if err != nil {
			return Message{}, fmt.Errorf("wire: decode arg %d kind: %w", i, err)
		}
		switch Kind(kindByte) {
		case KindInt:
			bits, err := r.uint64()
			if err != nil {
				return Message{}, fmt.Errorf("wire: decode arg %d int: %w", i, err)
			}
			args = append(args, int64(bits))
		case KindFloat:
			bits, err := r.uint64()
			if err != nil {
				return Message{}, fmt.Errorf("wire: decode arg %d float: %w", i, err)
			}
			args = append(args, math.Float64frombits(bits))
		case KindString:
			strLen, err := r.uint16()
			if err != nil {
				return Message{}, fmt.Errorf("wire: decode arg %d string length: %w", i, err)
			}
			s, err := r.bytes(int(strLen))
			if err != nil {
				return Message{}, fmt.Errorf("wire: decode arg %d string: %w", i, err)
			}
			args = append(args, string(s))
		default:
			return Message{}, fmt.Errorf("wire: unknown arg kind %q at index %d", kindByte, i)
		}
	}

	return Message{Address: string(addr), Args: args}, nil
}

type reader struct {
	data []byte
	pos  int
}

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, fmt.Errorf("unexpected end of data")
	}
	b := r.data[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("unexpected end of data")
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) uint16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func appendUint16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}
