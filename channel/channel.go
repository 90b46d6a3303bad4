// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package channel provides implementations of the jet.Channel interface for
// callers who already own a connection and want to build a Peer over it
// without going through Dial's net-based defaults.
package channel

import (
	"bufio"
	"io"
	"net"

	"github.com/hbk-worldwide/jetpeer"
)

// Direct constructs a connected pair of in-memory channels that pass frame
// payloads directly without encoding them. Payloads sent on A are received
// on B and vice versa; useful for wiring two in-process Peers together in
// tests without a real socket.
func Direct() (A, B jet.Channel) {
	a2b := make(chan []byte)
	b2a := make(chan []byte)
	A = direct{send: a2b, recv: b2a}
	B = direct{send: b2a, recv: a2b}
	return
}

type direct struct {
	send chan<- []byte
	recv <-chan []byte
}

// Send implements a method of the [jet.Channel] interface.
func (d direct) Send(payload []byte) (err error) {
	defer safeClose(&err)
	d.send <- payload
	return nil
}

// Recv implements a method of the [jet.Channel] interface.
func (d direct) Recv() ([]byte, error) {
	payload, ok := <-d.recv
	if !ok {
		return nil, net.ErrClosed
	}
	return payload, nil
}

// Close implements a method of the [jet.Channel] interface.
func (d direct) Close() (err error) {
	defer safeClose(&err)
	close(d.send)
	return nil
}

func safeClose(err *error) {
	if x := recover(); x != nil && *err == nil {
		*err = net.ErrClosed
	}
}

// IO constructs a channel that receives frames from r and sends frames to
// wc, using the same length-prefixed codec as a Peer dialed with [jet.Dial].
func IO(r io.Reader, wc io.WriteCloser) IOChannel {
	// N.B. The bufio package will reuse existing buffers if possible.
	return IOChannel{r: bufio.NewReader(r), w: bufio.NewWriter(wc), c: wc}
}

// An IOChannel sends and receives frames on a reader and a writer.
type IOChannel struct {
	r *bufio.Reader
	w *bufio.Writer
	c io.Closer
}

// Send implements a method of the [jet.Channel] interface.
func (c IOChannel) Send(payload []byte) error {
	if err := jet.WriteFrame(c.w, payload); err != nil {
		return err
	}
	return c.w.Flush()
}

// Recv implements a method of the [jet.Channel] interface.
func (c IOChannel) Recv() ([]byte, error) { return jet.ReadFrame(c.r) }

// Close implements a method of the [jet.Channel] interface.
func (c IOChannel) Close() error { return c.c.Close() }
