package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// maxFrameLen bounds a single decoded envelope, guarding against a
// corrupt or adversarial length prefix forcing an unbounded read.
const maxFrameLen = 64 << 20

// WriteFrame gob-encodes env and writes it as a 32-bit big-endian
// length prefix followed by the encoded bytes.
func WriteFrame(w io.Writer, env Envelope) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return fmt.Errorf("wire: encode envelope: %w", err)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(buf.Len()))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("wire: write frame length: %w", err)
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("wire: write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed, gob-encoded envelope from r.
func ReadFrame(r io.Reader) (Envelope, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameLen {
		return Envelope{}, &DecodeError{Reason: fmt.Sprintf("frame length %d exceeds maximum %d", n, maxFrameLen)}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Envelope{}, fmt.Errorf("wire: read frame body: %w", err)
	}
	var env Envelope
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&env); err != nil {
		return Envelope{}, &DecodeError{Reason: err.Error()}
	}
	return env, nil
}
