// Package protocol implements the wire format spoken between the relay
// server and its clients: a fixed 8-byte header carrying a command code and
// a payload length, followed by exactly that many payload bytes.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// HeaderSize is the fixed size of the wire header in bytes.
	HeaderSize = 8

	// MaxPayloadSize is the maximum allowed payload size (1 MB).
	MaxPayloadSize = 1024 * 1024

	// MaxChunkSize is the largest file-chunk payload a sender may emit.
	MaxChunkSize = 4096
)

var (
	ErrPayloadTooLarge = errors.New("payload exceeds maximum size (1 MB)")
	ErrShortWrite      = errors.New("short write")
)

// Header precedes every payload in both directions.
// Wire layout: [Command (4 bytes)][PayloadLen (4 bytes)], little-endian.
// PayloadLen is the exact byte count of the payload that follows; a stream
// that yields fewer bytes than declared is treated as corrupted.
type Header struct {
	Command    Command
	PayloadLen uint32
}

// ReadHeader reads exactly one header from the reader.
func ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Header{}, err
	}

	return Header{
		Command:    Command(binary.LittleEndian.Uint32(buf[0:4])),
		PayloadLen: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// WriteHeader writes the header as a single 8-byte write.
func WriteHeader(w io.Writer, h Header) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Command))
	binary.LittleEndian.PutUint32(buf[4:8], h.PayloadLen)

	n, err := w.Write(buf[:])
	if err != nil {
		return err
	}
	if n != HeaderSize {
		return ErrShortWrite
	}
	return nil
}

// ReadMessage reads one header and then exactly PayloadLen payload bytes.
// A declared length over MaxPayloadSize or a stream that ends early is a
// framing fault; callers treat any error as fatal for the connection.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}

	if h.PayloadLen > MaxPayloadSize {
		return Header{}, nil, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Header{}, nil, err
		}
	}

	return h, payload, nil
}

// WriteMessage writes the header and the payload as two ordered writes on
// the same stream. Callers sharing the writer across goroutines must hold
// the connection's send lock for the full sequence so a concurrent writer
// can never interleave its own header between the two. The header's
// PayloadLen is set from the payload.
func WriteMessage(w io.Writer, cmd Command, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	h := Header{Command: cmd, PayloadLen: uint32(len(payload))}
	if err := WriteHeader(w, h); err != nil {
		return err
	}

	if len(payload) == 0 {
		return nil
	}

	n, err := w.Write(payload)
	if err != nil {
		return err
	}
	if n != len(payload) {
		return ErrShortWrite
	}
	return nil
}
