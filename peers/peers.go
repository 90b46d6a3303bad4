// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package peers provides support code for managing and testing pairs of
// peers wired directly to one another in memory.
package peers

import (
	"github.com/hbk-worldwide/jetpeer"
	"github.com/hbk-worldwide/jetpeer/channel"
)

// Local is a pair of in-memory connected peers. Neither side acts as the
// daemon: a request one peer sends ("set", "call", "add", ...) arrives at
// the other addressed by its verb name rather than by a state or method
// path, so it does not reach the other peer's handlers, and a request that
// expects a response stays pending until the pair is stopped.
type Local struct {
	A *jet.Peer
	B *jet.Peer
}

// Stop closes both peers and blocks until both have drained.
func (p *Local) Stop() error {
	aerr := p.A.Close()
	berr := p.B.Close()
	if aerr != nil {
		return aerr
	}
	return berr
}

// NewLocal creates a pair of in-memory connected peers that communicate via
// a direct channel, with no JSON encoding on the wire between them.
func NewLocal(opts ...jet.Option) *Local {
	a2b, b2a := channel.Direct()
	// Each Start sends "config" on an unbuffered channel, which blocks until
	// the other side's read loop takes it, so the two must start together.
	bc := make(chan *jet.Peer, 1)
	go func() { bc <- jet.Start(b2a, opts...) }()
	a := jet.Start(a2b, opts...)
	return &Local{A: a, B: <-bc}
}
