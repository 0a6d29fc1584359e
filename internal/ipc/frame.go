// Package ipc implements the framed unix-socket transport between the
// ingest and persistence processes: 4-byte big-endian length prefix
// followed by a UTF-8 JSON envelope.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"flowtrace/internal/model"
)

// maxFrameSize caps a single message; a candle with a wide footprint is a
// few hundred KB at most, so 16 MB flags corruption rather than data.
const maxFrameSize = 16 << 20

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > maxFrameSize {
		return fmt.Errorf("ipc: frame of %d bytes exceeds limit", len(body))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// WriteEnvelope marshals and writes one envelope frame.
func WriteEnvelope(w io.Writer, env model.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("ipc: marshal envelope: %w", err)
	}
	return WriteFrame(w, body)
}

// ReadEnvelope reads and unmarshals one envelope frame.
func ReadEnvelope(r io.Reader) (model.Envelope, error) {
	body, err := ReadFrame(r)
	if err != nil {
		return model.Envelope{}, err
	}
	var env model.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("ipc: unmarshal envelope: %w", err)
	}
	return env, nil
}
