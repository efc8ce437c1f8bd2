// Package connect implements the Connect protocol envelope: one flag byte,
// a 4-byte big-endian length and the payload.
package connect

import (
	"encoding/binary"
	"fmt"

	"github.com/bnema/ag-wakeup/internal/domain"
)

const (
	FlagCompressed byte = 0x01
	FlagEndStream  byte = 0x02

	HeaderSize = 5

	ContentTypeProto        = "application/proto"
	ContentTypeConnectProto = "application/connect+proto"
)

type Envelope struct {
	Flags   byte
	Payload []byte
}

func (e Envelope) EndStream() bool {
	return e.Flags&FlagEndStream != 0
}

func Encode(flags byte, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = flags
	binary.BigEndian.PutUint32(out[1:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// Message frames a regular (non end-stream) payload.
func Message(payload []byte) []byte {
	return Encode(0, payload)
}

// EndStreamOK is the end-of-stream frame with an empty JSON trailer.
func EndStreamOK() []byte {
	return Encode(FlagEndStream, []byte("{}"))
}

// Decode reads one envelope from data and returns the remaining bytes.
// Compressed frames are rejected.
func Decode(data []byte) (Envelope, []byte, error) {
	if len(data) < HeaderSize {
		return Envelope{}, nil, &domain.ProtocolError{
			Op:     "decode connect envelope",
			Reason: fmt.Sprintf("need %d header bytes, got %d", HeaderSize, len(data)),
		}
	}

	flags := data[0]
	if flags&FlagCompressed != 0 {
		return Envelope{}, nil, &domain.ProtocolError{Op: "decode connect envelope", Reason: "compressed frames are not supported"}
	}

	length := binary.BigEndian.Uint32(data[1:HeaderSize])
	rest := data[HeaderSize:]
	if uint64(length) > uint64(len(rest)) {
		return Envelope{}, nil, &domain.ProtocolError{
			Op:     "decode connect envelope",
			Reason: fmt.Sprintf("frame length %d exceeds body %d", length, len(rest)),
		}
	}

	payload := make([]byte, length)
	copy(payload, rest[:length])
	return Envelope{Flags: flags, Payload: payload}, rest[length:], nil
}
