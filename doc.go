// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package jet implements a client-side peer for the Jet protocol: a
// length-prefixed, JSON-RPC-2.0-based publish/subscribe and RPC protocol
// spoken over TCP or a local stream socket against a Jet daemon.
//
// Jet peers publish states (named, mutable JSON values with an optional
// server-side set handler) and methods (named, callable RPC endpoints);
// fetch (subscribe to) states and methods matching path filters; set
// remote states and call remote methods synchronously or asynchronously;
// and transparently recover a lost daemon connection.
//
// # Peers
//
// The core type defined by this package is the [Peer]. Construct one with
// [Dial], which connects to the daemon and performs the initial handshake:
//
//	p, err := jet.Dial(ctx, "jet.example.org", jet.DefaultTCPPort, jet.WithName("sensor-1"))
//	if err != nil {
//	   log.Fatalf("Dial failed: %v", err)
//	}
//	defer p.Close()
//
// Passing port == 0 connects to a local socket instead of TCP (§4.7):
//
//	p, err := jet.Dial(ctx, "", 0) // DefaultUnixSocket
//
// If the connection is lost, every pending request resolves with a
// canceled error and every fetch sink receives a terminal notification
// with Status == -1. Call [Peer.Resume] to reconnect; on success, every
// fetch still held locally is re-subscribed under its original id.
//
// # States and methods
//
// To publish a state with a set handler:
//
//	err := p.AddState(ctx, "plant/setpoint", 21.5, func(ctx context.Context, path string, requested json.RawMessage) (jet.SetResult, error) {
//	    var v float64
//	    if err := json.Unmarshal(requested, &v); err != nil {
//	        return jet.SetResult{}, jet.NewError(-1, "not a number")
//	    }
//	    return jet.Changed(v), nil
//	})
//
// To publish a callable method:
//
//	err := p.AddMethod(ctx, "plant/reset", func(ctx context.Context, path string, params json.RawMessage) (any, error) {
//	    return "ok", nil
//	})
//
// The jet/jethandler package adapts ordinary typed Go functions to these
// handler signatures.
//
// # Fetching
//
// To subscribe to add/change/remove events for paths matching a filter:
//
//	id, err := p.AddFetch(ctx, jet.Matcher{StartsWith: "plant/"}, func(n jet.FetchNotification) {
//	    if n.Status < 0 {
//	        return // connection lost; this fetch no longer delivers
//	    }
//	    log.Printf("%s %s: %s", n.Event, n.Path, n.Value)
//	})
//
// # Callbacks
//
// A handler may call back into the remote daemon. It obtains the owning
// peer from its context with [ContextPeer]:
//
//	func handle(ctx context.Context, path string, params json.RawMessage) (any, error) {
//	    return jet.ContextPeer(ctx).Call(ctx, "other/method", nil)
//	}
//
// # Local calls
//
// To invoke a handler already registered on this peer without going over
// the wire, use [Peer.Exec]; this is primarily useful in tests.
//
// # Metrics
//
// Each Peer maintains its own [expvar.Map], obtained with [Peer.Metrics],
// counting frames sent/received/dropped, inbound and outbound calls and
// their failures, active fetches/states/methods, and reconnect attempts.
package jet
