package transport

import (
	"bytes"
	"encoding/json"

	"github.com/relaystream/server/internal/errs"
)

// Message is one framed protocol unit: opcode, JSON body, optional binary
// payload (compressed video/audio data, cursor bitmaps, init blocks).
type Message struct {
	Opcode Opcode
	Body   json.RawMessage
	Binary []byte
}

// Encode serializes a message as [1 byte opcode][JSON body][0 byte
// terminator if a binary payload follows][binary payload]. When cipher is
// non-nil, everything after the opcode byte is encrypted as a unit.
func Encode(opcode Opcode, body any, binary []byte, c *Cipher) ([]byte, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, errs.Wrap("transport.Encode", err)
	}

	var rest bytes.Buffer
	rest.Write(bodyBytes)
	if len(binary) > 0 {
		rest.WriteByte(0)
		rest.Write(binary)
	}

	payload := rest.Bytes()
	if c != nil {
		enc, err := c.Encrypt(payload)
		if err != nil {
			return nil, err
		}
		payload = enc
	}

	out := make([]byte, 1+len(payload))
	out[0] = byte(opcode)
	copy(out[1:], payload)
	return out, nil
}

// Decode parses a framed message. When cipher is non-nil the bytes
// following the opcode are decrypted first.
func Decode(data []byte, c *Cipher) (Message, error) {
	if len(data) < 1 {
		return Message{}, errs.NewProtocolError("transport.Decode", errs.ErrInvalidMessage)
	}
	opcode := Opcode(data[0])
	rest := data[1:]

	if c != nil {
		var err error
		rest, err = c.Decrypt(rest)
		if err != nil {
			return Message{}, err
		}
	}

	term := bytes.IndexByte(rest, 0)
	var body, binary []byte
	if term < 0 {
		body = rest
	} else {
		body = rest[:term]
		binary = rest[term+1:]
	}

	if !json.Valid(body) {
		return Message{}, errs.NewProtocolError("transport.Decode", errs.ErrInvalidMessage)
	}

	return Message{Opcode: opcode, Body: json.RawMessage(body), Binary: binary}, nil
}
