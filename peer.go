// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
)

// DefaultTCPPort is the daemon's default TCP listening port (SPEC_FULL §6).
const DefaultTCPPort = 11122

// DefaultUnixSocket is the daemon's default local socket path, selected when
// a Peer is constructed with port == 0.
const DefaultUnixSocket = "/var/run/jet.socket"

// A FrameInfo combines a raw frame payload and a flag indicating whether it
// was sent or received, delivered to a FrameLogger (grounded on the
// teacher's PacketInfo/PacketLogger pattern).
type FrameInfo struct {
	Payload []byte
	Sent    bool
}

// A FrameLogger observes every frame exchanged with the daemon.
type FrameLogger func(FrameInfo)

// A Peer implements a Jet client. A Peer is constructed with Dial and runs
// until Close is called or the connection is lost; use Resume to
// reconnect. Call Wait to block until the peer's background work has
// drained.
//
// All exported methods are safe for concurrent use by multiple goroutines.
type Peer struct {
	network string
	address string
	name    string
	debug   bool

	dialTimeout time.Duration
	logger      *log.Logger
	frameLogger FrameLogger

	reqs  *requestRegistry
	local *localRegistry

	out struct {
		sync.Mutex
		ch Channel
	}

	mu      sync.Mutex
	tasks   *taskgroup.Group
	err     error
	closed  bool
	base    func() context.Context
	metrics *expvar.Map
}

// Option configures a Peer at construction time (SPEC_FULL §1.5).
type Option func(*Peer)

// WithName sets the name this peer announces in its "config" handshake.
func WithName(name string) Option { return func(p *Peer) { p.name = name } }

// WithDebug enables the daemon-side debug flag sent with "config".
func WithDebug(debug bool) Option { return func(p *Peer) { p.debug = debug } }

// WithLogger sets the diagnostic sink used for parse failures, dropped
// frames, and reconnect problems (SPEC_FULL §1.3). A nil logger silences
// these diagnostics.
func WithLogger(l *log.Logger) Option { return func(p *Peer) { p.logger = l } }

// WithFrameLogger registers a callback invoked for every frame sent or
// received, including frames that are ultimately dropped.
func WithFrameLogger(f FrameLogger) Option { return func(p *Peer) { p.frameLogger = f } }

// WithDialTimeout bounds how long Dial and Resume wait for the transport
// connection to establish.
func WithDialTimeout(d time.Duration) Option { return func(p *Peer) { p.dialTimeout = d } }

// Dial constructs a Peer and connects it to the daemon at address:port (or,
// if port == 0, to the local socket at address, defaulting to
// DefaultUnixSocket when address is empty). Dial performs the C7 Startup
// sequence: open the stream, start the read loop, and send "config"; a new
// peer has no fetches yet, so the restoration step sends nothing. On
// connect failure it returns a fatal error (§4.7).
func Dial(ctx context.Context, address string, port int, opts ...Option) (*Peer, error) {
	p := &Peer{
		reqs:    newRequestRegistry(),
		local:   newLocalRegistry(),
		base:    context.Background,
		metrics: newPeerMetrics(),
	}
	p.network, p.address = resolveDialTarget(address, port)
	for _, opt := range opts {
		opt(p)
	}
	if err := p.connect(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

// resolveDialTarget applies the TCP-vs-local-socket heuristic of §4.7:
// port == 0 selects the local socket, defaulting to DefaultUnixSocket;
// otherwise it selects TCP at address:port, defaulting the host to
// "localhost".
func resolveDialTarget(address string, port int) (network, target string) {
	if port == 0 {
		if address == "" {
			return "unix", DefaultUnixSocket
		}
		return "unix", address
	}
	host := value.Cond(address == "", "localhost", address)
	return "tcp", fmt.Sprintf("%s:%d", host, port)
}

// connect performs the transport dial and the C7 Startup sequence. It is
// called by Dial and by Resume.
func (p *Peer) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: p.dialTimeout}
	conn, err := dialer.DialContext(ctx, p.network, p.address)
	if err != nil {
		return fmt.Errorf("jet: connect %s %s: %w", p.network, p.address, err)
	}
	return p.start(newIOChannel(conn, conn))
}

// start runs the C7 Startup sequence against an already-open channel: reset
// the task group, begin the read loop, send "config", and restore whatever
// fetches survived a prior connection (I5); on a first connection that set
// is empty. It is shared by connect (net dial) and [Start] (caller-supplied
// Channel, e.g. jet/channel or jet/peers).
func (p *Peer) start(ch Channel) error {
	p.mu.Lock()
	p.tasks = taskgroup.New(nil)
	p.err = nil
	p.closed = false
	p.mu.Unlock()

	p.out.Lock()
	p.out.ch = ch
	p.out.Unlock()

	p.tasks.Go(p.readLoop)

	if _, err := p.sendRequest(nil, "config", map[string]any{"name": p.name, "debug": p.debug}); err != nil {
		p.logf("jet: config handshake failed: %v", err)
	}

	for _, f := range p.local.snapshotFetches() {
		if _, err := p.sendRequest(nil, "fetch", map[string]any{"id": f.ID, "path": f.Matcher.dict()}); err != nil {
			p.logf("jet: failed to restore fetch %d (%s): %v", f.ID, f.Matcher.Print(), err)
		}
	}
	return nil
}

// Start constructs a Peer bound to an already-open Channel, skipping Dial's
// net.Dialer entirely, and runs the C7 Startup sequence against it. This is
// the entry point used by the jet/channel and jet/peers subpackages — tests
// and callers who already own a connection (a pipe, a TLS session, an
// in-memory pair) wire it up themselves rather than asking Dial to make one.
func Start(ch Channel, opts ...Option) *Peer {
	p := &Peer{
		reqs:    newRequestRegistry(),
		local:   newLocalRegistry(),
		base:    context.Background,
		metrics: newPeerMetrics(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.start(ch)
	return p
}

// Resume re-runs the Startup sequence (§4.7). It is idempotent: on failure
// it returns false without further side effects; on success the caller's
// prior fetches resume delivering notifications under their original ids
// (I5).
func (p *Peer) Resume(ctx context.Context) bool {
	if err := p.connect(ctx); err != nil {
		p.metrics.Add("reconnects_failed", 1)
		return false
	}
	p.metrics.Add("reconnects", 1)
	return true
}

// Metrics returns the counter map for this peer (SPEC_FULL §1.4). It is
// safe for the caller to add additional counters to the map.
func (p *Peer) Metrics() *expvar.Map { return p.metrics }

// Close terminates the connection and cancels every pending request and
// fetch (§3 Lifecycle, §4.7 Shutdown). It blocks until background work has
// drained.
func (p *Peer) Close() error {
	p.disconnect(nil)
	return p.Wait()
}

// Wait blocks until the peer's background goroutines have exited.
func (p *Peer) Wait() error {
	p.mu.Lock()
	t := p.tasks
	p.mu.Unlock()
	if t == nil {
		return nil
	}
	t.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	if treatErrorAsSuccess(p.err) {
		return nil
	}
	return p.err
}

func treatErrorAsSuccess(err error) bool {
	return err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// disconnect performs the C7 Shutdown sequence: close the stream, notify
// every fetch sink with status -1, clear the state/method tables, and
// cancel every pending request with the synthetic canceled-error (I1). The
// fetch table itself is left intact (only its sinks are notified): Resume
// re-subscribes every surviving entry under its original id via start's
// restoration loop (I5), so disconnect must not discard what start needs to
// read back.
func (p *Peer) disconnect(err error) {
	p.out.Lock()
	if p.out.ch != nil {
		p.out.ch.Close()
	}
	p.out.Unlock()

	p.mu.Lock()
	already := p.closed
	p.closed = true
	if !already {
		p.err = err
	}
	p.mu.Unlock()
	if already {
		return
	}

	for _, f := range p.local.snapshotFetches() {
		func() {
			defer func() { recover() }()
			f.Sink(FetchNotification{Status: -1})
		}()
	}
	p.local.clearStatesAndMethods()

	if n := p.reqs.cancelAll(); n > 0 {
		p.logf("jet: canceled %d pending request(s) on shutdown", n)
	}
}

// readLoop is the single inbound reader for the connection (C1/C4), running
// inside the peer's task group per SPEC_FULL §1.1.
func (p *Peer) readLoop() error {
	for {
		p.out.Lock()
		ch := p.out.ch
		p.out.Unlock()
		if ch == nil {
			return nil
		}
		payload, err := ch.Recv()
		if err != nil {
			p.disconnect(err)
			return nil
		}
		p.metrics.Add("frames_received", 1)
		if p.frameLogger != nil {
			p.frameLogger(FrameInfo{Payload: payload, Sent: false})
		}
		p.handleFrame(payload)
	}
}

// sendFrame marshals nothing itself; it writes an already-encoded payload to
// the wire, serialized against other writers (§5 "the stream has a write
// mutex"). Oversize payloads are rejected locally without touching the
// connection (I4); any other write error is treated as protocol fatal and
// triggers disconnect in the background so the caller sees the error
// without risking a lock-order deadlock on p.out.
func (p *Peer) sendFrame(payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("Message size %d exceeds maximum message size (%d) and will not be sent!", len(payload), MaxMessageSize)
	}

	p.out.Lock()
	ch := p.out.ch
	p.out.Unlock()
	if ch == nil {
		return net.ErrClosed
	}

	if p.frameLogger != nil {
		p.frameLogger(FrameInfo{Payload: payload, Sent: true})
	}
	err := ch.Send(payload)
	if err != nil {
		p.tasks.Go(func() error { p.disconnect(err); return nil })
		return err
	}
	p.metrics.Add("frames_sent", 1)
	return nil
}

// sendRequest allocates (if sink != nil) a request id, builds the envelope,
// and writes it. On a local send failure it schedules the sink's synthetic
// error-response onto the task group rather than invoking it inline on the
// caller (§4.5), so a sink always observes executor-context semantics; the
// sink then owns the failure and sendRequest reports no error. An error is
// returned only when the envelope could not be encoded (the sink is not
// invoked) or when a request without a sink could not be sent.
func (p *Peer) sendRequest(sink responseSink, method string, params any) (int64, error) {
	var id *int64
	var rid int64
	if sink != nil {
		rid = p.reqs.allocate(sink)
		id = &rid
	}
	payload, err := encodeOut(method, params, id)
	if err != nil {
		if sink != nil {
			p.reqs.release(rid)
		}
		return 0, err
	}
	if err := p.sendFrame(payload); err != nil {
		if sink == nil {
			return 0, err
		}
		p.reqs.release(rid)
		p.tasks.Go(func() error {
			invokeSink(sink, &Response{ID: rid, Error: sendFailedError(err)})
			return nil
		})
		return rid, nil
	}
	return rid, nil
}

// syncRequest is the blocking variant used by every synchronous façade
// method (§4.6): it sends method/params with a one-shot sink and waits for
// either ctx to end or the response to arrive.
func (p *Peer) syncRequest(ctx context.Context, method string, params any) (*Response, error) {
	done := make(chan *Response, 1)
	if _, err := p.sendRequest(func(r *Response) { done <- r }, method, params); err != nil {
		return nil, callError(err)
	}
	select {
	case <-ctx.Done():
		return nil, callError(ctx.Err())
	case r := <-done:
		if r.Error != nil {
			return nil, responseError(r.Error)
		}
		return r, nil
	}
}

// handlerContext builds the context passed to a state or method handler,
// carrying a reference to p (ContextPeer).
func (p *Peer) handlerContext() context.Context {
	return context.WithValue(p.base(), peerContextKey{}, p)
}

func (p *Peer) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

type peerContextKey struct{}

// ContextPeer returns the Peer associated with ctx, or nil if none is set.
// The context passed to a StateHandler or MethodHandler carries this value.
func ContextPeer(ctx context.Context) *Peer {
	if v := ctx.Value(peerContextKey{}); v != nil {
		return v.(*Peer)
	}
	return nil
}

// SplitAddress parses an address string to guess a network type and target,
// adapted from the teacher's heuristic of the same name: addresses that
// don't look like [host]:port are treated as local socket paths.
func SplitAddress(s string) (network, address string) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return "unix", s
	}
	host, port := s[:i], s[i+1:]
	if port == "" || !isServiceName(port) {
		return "unix", s
	} else if strings.IndexByte(host, '/') >= 0 {
		return "unix", s
	}
	return "tcp", s
}

func isServiceName(s string) bool {
	for _, b := range s {
		if b >= '0' && b <= '9' || b >= 'A' && b <= 'Z' || b >= 'a' && b <= 'z' || b == '-' {
			continue
		}
		return false
	}
	return true
}
