// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxMessageSize is the largest JSON payload, in bytes, that may be sent or
// accepted on a Jet frame. It matches the daemon's own limit so that both
// sides agree on what "too big" means without a handshake round trip.
const MaxMessageSize = 262144

// A Channel is a reliable ordered stream of frame payloads shared between a
// peer and the daemon it is connected to.
//
// The methods of an implementation must be safe for concurrent use by one
// sender and one receiver.
type Channel interface {
	// Send transmits payload as a single frame.
	Send(payload []byte) error

	// Recv returns the payload of the next available frame.
	Recv() ([]byte, error)

	// Close the channel, causing any pending send or receive operations to
	// terminate and report an error. After a channel is closed, all further
	// operations on it must report an error.
	Close() error
}

// WriteFrame writes payload to w as a length-prefixed frame: a 4-byte
// big-endian length followed by the payload bytes. It reports an error
// without writing anything if payload exceeds MaxMessageSize (I4).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("Message size %d exceeds maximum message size (%d) and will not be sent!", len(payload), MaxMessageSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	if len(payload) == 0 {
		return nil
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("could not send message: %w", err)
	}
	return nil
}

// ReadFrame reads a single length-prefixed frame from r and returns its
// payload. It reports an error and does not consume the payload if the
// declared length exceeds MaxMessageSize (I4); the caller must treat that as
// fatal to the connection, per C1.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("short frame header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > MaxMessageSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum message size (%d)", n, MaxMessageSize)
	}
	if n == 0 {
		return nil, nil
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame payload: %w", err)
	}
	return payload, nil
}

// ioChannel frames an arbitrary byte stream with the length-prefixed codec
// above. It is the transport Dial builds internally; the jet/channel
// subpackage exposes the same construction for callers who already own a
// connection (TLS, a pipe, a test harness) and don't want Dial's net-based
// defaults.
type ioChannel struct {
	r io.Reader
	w io.Writer
	c io.Closer
}

func newIOChannel(r io.Reader, wc io.WriteCloser) *ioChannel {
	return &ioChannel{r: r, w: wc, c: wc}
}

func (c *ioChannel) Send(payload []byte) error   { return WriteFrame(c.w, payload) }
func (c *ioChannel) Recv() ([]byte, error)       { return ReadFrame(c.r) }
func (c *ioChannel) Close() error                { return c.c.Close() }
