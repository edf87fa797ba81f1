package outbox

import (
	"encoding/binary"
	"errors"
)

// ErrNotFramed reports a payload without the Schema Registry magic byte.
var ErrNotFramed = errors.New("payload is not schema registry framed")

const frameHeaderLen = 5

// encodeWireFormat prefixes payload with the magic byte and the big-endian
// schema id.
func encodeWireFormat(schemaID int, payload []byte) []byte {
	frame := make([]byte, frameHeaderLen, frameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(frame[1:frameHeaderLen], uint32(schemaID))
	return append(frame, payload...)
}

// DecodeWireFormat strips Schema Registry framing and returns the schema id
// and payload.
func DecodeWireFormat(frame []byte) (int, []byte, error) {
	if len(frame) < frameHeaderLen || frame[0] != 0 {
		return 0, nil, ErrNotFramed
	}
	return int(binary.BigEndian.Uint32(frame[1:frameHeaderLen])), frame[frameHeaderLen:], nil
}
