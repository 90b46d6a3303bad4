// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet_test

import (
	"net"
	"sync"
	"testing"

	json "github.com/goccy/go-json"

	"github.com/hbk-worldwide/jetpeer"
)

// fakeDaemon is a minimal scripted stand-in for a Jet daemon, built for
// these tests only (SPEC_FULL §1.6) — it is not a general-purpose mock peer
// product. It speaks just enough of the wire protocol to drive a jet.Peer
// through a scenario: answer control verbs it has a canned reply for, and
// let the test push arbitrary frames (state sets, method calls, fetch
// notifications) at the peer on demand.
type fakeDaemon struct {
	t    *testing.T
	conn net.Conn

	mu     sync.Mutex
	reply  map[string]func(json.RawMessage) (any, *jet.ErrorData)
	awaits map[int64]chan wireMsg
}

// wireMsg is the generic shape of anything that crosses the wire in either
// direction: a verb request/notification (Method/ID/Params) or a response
// to one the daemon sent (ID/Result/Error).
type wireMsg struct {
	Method json.RawMessage `json:"method,omitempty"`
	ID     *int64          `json:"id,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *jet.ErrorData  `json:"error,omitempty"`
}

func newFakeDaemon(t *testing.T, conn net.Conn) *fakeDaemon {
	d := &fakeDaemon{
		t:      t,
		conn:   conn,
		reply:  make(map[string]func(json.RawMessage) (any, *jet.ErrorData)),
		awaits: make(map[int64]chan wireMsg),
	}
	go d.serve()
	return d
}

// on installs a canned reply for verb, invoked once per matching inbound
// request. A verb with no installed reply is answered with a bare success
// (result: true), which is good enough for tests that don't care about the
// reply's content.
func (d *fakeDaemon) on(verb string, f func(json.RawMessage) (any, *jet.ErrorData)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reply[verb] = f
}

func (d *fakeDaemon) serve() {
	for {
		payload, err := jet.ReadFrame(d.conn)
		if err != nil {
			return
		}
		var msg wireMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			d.t.Logf("fakeDaemon: dropping unparsable frame: %v", err)
			continue
		}
		if len(msg.Method) == 0 || string(msg.Method) == "null" {
			d.deliverResponse(msg)
			continue
		}
		var verb string
		if err := json.Unmarshal(msg.Method, &verb); err != nil {
			continue // a numeric method addressed to the daemon never happens on this side
		}
		d.handleVerb(verb, msg)
	}
}

func (d *fakeDaemon) deliverResponse(msg wireMsg) {
	if msg.ID == nil {
		return
	}
	d.mu.Lock()
	ch, ok := d.awaits[*msg.ID]
	if ok {
		delete(d.awaits, *msg.ID)
	}
	d.mu.Unlock()
	if ok {
		ch <- msg
	}
}

func (d *fakeDaemon) handleVerb(verb string, msg wireMsg) {
	d.mu.Lock()
	f := d.reply[verb]
	d.mu.Unlock()

	if msg.ID == nil {
		if f != nil {
			f(msg.Params) // fire-and-forget verb (e.g. "config", "change"); ignore the reply
		}
		return
	}
	var result any = true
	var errData *jet.ErrorData
	if f != nil {
		result, errData = f(msg.Params)
	}
	d.respond(*msg.ID, result, errData)
}

func (d *fakeDaemon) respond(id int64, result any, errData *jet.ErrorData) {
	var payload []byte
	var err error
	if errData != nil {
		payload, err = json.Marshal(struct {
			ID    int64          `json:"id"`
			Error *jet.ErrorData `json:"error"`
		}{ID: id, Error: errData})
	} else {
		payload, err = json.Marshal(struct {
			ID     int64 `json:"id"`
			Result any   `json:"result"`
		}{ID: id, Result: result})
	}
	if err != nil {
		d.t.Fatalf("fakeDaemon: encode response: %v", err)
	}
	if err := jet.WriteFrame(d.conn, payload); err != nil {
		d.t.Logf("fakeDaemon: write response: %v", err)
	}
}

// pushRequest addresses path as a request or notification the way the
// daemon does for an inbound state-set or method-call (§4.4): method is the
// literal path string. When wait, it blocks for the peer's response and
// returns it.
func (d *fakeDaemon) pushRequest(path string, params any, wait bool) wireMsg {
	var id *int64
	var ch chan wireMsg
	if wait {
		d.mu.Lock()
		n := int64(len(d.awaits) + 1)
		for d.awaits[n] != nil {
			n++
		}
		ch = make(chan wireMsg, 1)
		d.awaits[n] = ch
		d.mu.Unlock()
		id = &n
	}
	payload, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
		ID      *int64 `json:"id,omitempty"`
	}{JSONRPC: "2.0", Method: path, Params: params, ID: id})
	if err != nil {
		d.t.Fatalf("fakeDaemon: encode request: %v", err)
	}
	if err := jet.WriteFrame(d.conn, payload); err != nil {
		d.t.Fatalf("fakeDaemon: write request: %v", err)
	}
	if !wait {
		return wireMsg{}
	}
	return <-ch
}

// pushFetchNotify sends a fetch notification for fetchID the way the daemon
// announces an add/change/remove event (§6): method is the numeric fetch id.
func (d *fakeDaemon) pushFetchNotify(fetchID int64, path, event string, value any) {
	payload, err := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		Method  int64  `json:"method"`
		Params  any    `json:"params"`
	}{JSONRPC: "2.0", Method: fetchID, Params: map[string]any{"path": path, "event": event, "value": value}})
	if err != nil {
		d.t.Fatalf("fakeDaemon: encode fetch notification: %v", err)
	}
	if err := jet.WriteFrame(d.conn, payload); err != nil {
		d.t.Fatalf("fakeDaemon: write fetch notification: %v", err)
	}
}
