// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package jet_test

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/fortytw2/leaktest"

	"github.com/hbk-worldwide/jetpeer"
	"github.com/hbk-worldwide/jetpeer/channel"
)

func startPaired(t *testing.T, opts ...jet.Option) (*jet.Peer, *fakeDaemon) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })

	d := newFakeDaemon(t, server)
	p := jet.Start(channel.IO(client, client), opts...)
	t.Cleanup(func() { p.Close() })
	return p, d
}

func TestAddStateDispatchesInboundSet(t *testing.T) {
	p, d := startPaired(t)

	type setCall struct {
		path     string
		received float64
	}
	got := make(chan setCall, 1)

	err := p.AddState(context.Background(), "plant/temp", 21.5, func(ctx context.Context, path string, requested json.RawMessage) (jet.SetResult, error) {
		var v float64
		if err := json.Unmarshal(requested, &v); err != nil {
			return jet.SetResult{}, err
		}
		got <- setCall{path: path, received: v}
		return jet.Changed(v), nil
	})
	if err != nil {
		t.Fatalf("AddState: %v", err)
	}

	resp := d.pushRequest("plant/temp", map[string]any{"path": "plant/temp", "value": 22.0}, true)
	if resp.Error != nil {
		t.Errorf("inbound set response carried an error: %+v", resp.Error)
	}

	select {
	case call := <-got:
		if call.path != "plant/temp" || call.received != 22.0 {
			t.Errorf("handler observed %+v, want path=plant/temp value=22", call)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("state handler was never invoked")
	}
}

func TestAddStateReadOnlyRejectsSet(t *testing.T) {
	p, d := startPaired(t)

	if err := p.AddState(context.Background(), "plant/model", "acme-9000", nil); err != nil {
		t.Fatalf("AddState: %v", err)
	}

	resp := d.pushRequest("plant/model", map[string]any{"path": "plant/model", "value": "other"}, true)
	if resp.Error == nil {
		t.Error("set against a read-only state succeeded, want an error")
	}
}

func TestAddMethodDispatchesInboundCall(t *testing.T) {
	p, d := startPaired(t)

	err := p.AddMethod(context.Background(), "plant/reset", func(ctx context.Context, path string, params json.RawMessage) (any, error) {
		return map[string]any{"ok": true}, nil
	})
	if err != nil {
		t.Fatalf("AddMethod: %v", err)
	}

	resp := d.pushRequest("plant/reset", map[string]any{"path": "plant/reset"}, true)
	if resp.Error != nil {
		t.Errorf("call response carried an error: %+v", resp.Error)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result["ok"] != true {
		t.Errorf("result = %+v, want ok=true", result)
	}
}

func TestMethodHandlerErrorIsReported(t *testing.T) {
	p, d := startPaired(t)

	if err := p.AddMethod(context.Background(), "plant/reset", func(ctx context.Context, path string, params json.RawMessage) (any, error) {
		return nil, jet.NewError(7, "reset refused")
	}); err != nil {
		t.Fatalf("AddMethod: %v", err)
	}

	resp := d.pushRequest("plant/reset", map[string]any{"path": "plant/reset"}, true)
	if resp.Error == nil {
		t.Fatal("want an error response")
	}
	if resp.Error.Code != 7 || resp.Error.Message != "reset refused" {
		t.Errorf("error = %+v, want code=7 message=%q", resp.Error, "reset refused")
	}
}

func TestSetCallGetInfo(t *testing.T) {
	p, d := startPaired(t)

	d.on("set", func(params json.RawMessage) (any, *jet.ErrorData) { return nil, nil })
	d.on("call", func(params json.RawMessage) (any, *jet.ErrorData) {
		return map[string]any{"echoed": true}, nil
	})
	d.on("get", func(params json.RawMessage) (any, *jet.ErrorData) {
		return []map[string]any{{"path": "plant/temp", "value": 21.5}}, nil
	})
	d.on("info", func(params json.RawMessage) (any, *jet.ErrorData) {
		return map[string]any{"version": "1"}, nil
	})

	if _, err := p.Set(context.Background(), "plant/temp", 21.5); err != nil {
		t.Errorf("Set: %v", err)
	}

	result, err := p.Call(context.Background(), "plant/reset", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	var callResult map[string]any
	if err := json.Unmarshal(result, &callResult); err != nil {
		t.Fatalf("decode call result: %v", err)
	}
	if callResult["echoed"] != true {
		t.Errorf("Call result = %+v, want echoed=true", callResult)
	}

	entries, err := p.Get(context.Background(), jet.Matcher{StartsWith: "plant/"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(entries) != 1 || entries[0].Path != "plant/temp" {
		t.Errorf("Get entries = %+v, want one entry at plant/temp", entries)
	}

	info, err := p.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	var infoResult map[string]any
	if err := json.Unmarshal(info, &infoResult); err != nil {
		t.Fatalf("decode info: %v", err)
	}
	if infoResult["version"] != "1" {
		t.Errorf("Info = %+v, want version=1", infoResult)
	}
}

func TestCallErrorFromDaemon(t *testing.T) {
	p, d := startPaired(t)
	d.on("call", func(params json.RawMessage) (any, *jet.ErrorData) {
		return nil, &jet.ErrorData{Code: 3, Message: "not found"}
	})

	_, err := p.Call(context.Background(), "plant/missing", nil)
	if err == nil {
		t.Fatal("want an error")
	}
	var ce *jet.CallError
	if !asCallError(err, &ce) {
		t.Fatalf("error = %v (%T), want *jet.CallError", err, err)
	}
	if ce.Code != 3 || ce.Message != "not found" {
		t.Errorf("CallError = %+v, want code=3 message=%q", ce, "not found")
	}
}

func asCallError(err error, out **jet.CallError) bool {
	ce, ok := err.(*jet.CallError)
	if ok {
		*out = ce
	}
	return ok
}

func TestFetchNotificationsAndTerminalOnClose(t *testing.T) {
	defer leaktest.Check(t)()

	p, d := startPaired(t)

	notes := make(chan jet.FetchNotification, 4)
	id, err := p.AddFetch(context.Background(), jet.Matcher{StartsWith: "plant/"}, func(n jet.FetchNotification) { notes <- n })
	if err != nil {
		t.Fatalf("AddFetch: %v", err)
	}

	d.pushFetchNotify(id, "plant/temp", "add", 21.5)

	select {
	case n := <-notes:
		if n.Path != "plant/temp" || n.Event != "add" {
			t.Errorf("notification = %+v, want path=plant/temp event=add", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch notification was never delivered")
	}

	if err := p.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}

	select {
	case n := <-notes:
		if n.Status >= 0 {
			t.Errorf("terminal notification = %+v, want Status < 0", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("terminal notification was never delivered on close")
	}
}

func TestCallRejectsOversizedPayload(t *testing.T) {
	p, _ := startPaired(t)

	huge := strings.Repeat("x", jet.MaxMessageSize+1)
	_, err := p.Call(context.Background(), "plant/reset", map[string]string{"blob": huge})
	if err == nil {
		t.Fatal("Call with an oversized payload succeeded, want an error")
	}
	if !strings.Contains(err.Error(), "exceeds maximum message size") {
		t.Errorf("err = %v, want a message-size error", err)
	}
}

func TestAddMethodRollsBackOnDaemonError(t *testing.T) {
	p, d := startPaired(t)
	d.on("add", func(params json.RawMessage) (any, *jet.ErrorData) {
		return nil, &jet.ErrorData{Code: 5, Message: "path already exists"}
	})

	err := p.AddMethod(context.Background(), "plant/reset", func(ctx context.Context, path string, params json.RawMessage) (any, error) {
		return nil, nil
	})
	if err == nil {
		t.Fatal("AddMethod: want an error from the daemon")
	}

	if _, execErr := p.Exec(context.Background(), "plant/reset", nil); execErr == nil {
		t.Error("Exec succeeded for plant/reset after a failed add, want the method to have been rolled back")
	}
}

func TestSetSurfacesAdaptedWarning(t *testing.T) {
	p, d := startPaired(t)
	d.on("set", func(params json.RawMessage) (any, *jet.ErrorData) {
		return map[string]any{"warning": map[string]any{"code": 1, "message": "value clamped to range"}}, nil
	})

	warning, err := p.Set(context.Background(), "plant/temp", 999.0)
	if err != nil {
		t.Fatalf("Set: %v", err)
	}
	if warning == nil {
		t.Fatal("Set returned no warning, want the daemon's adaptation warning surfaced")
	}
	if warning.Code != 1 || warning.Message != "value clamped to range" {
		t.Errorf("warning = %+v, want code=1 message=%q", warning, "value clamped to range")
	}
}

func TestSetAsyncSurfacesAdaptedWarning(t *testing.T) {
	p, d := startPaired(t)
	d.on("set", func(params json.RawMessage) (any, *jet.ErrorData) {
		return map[string]any{"warning": map[string]any{"code": 1, "message": "adapted"}}, nil
	})

	type outcome struct {
		warning *jet.Warning
		err     error
	}
	done := make(chan outcome, 1)
	p.SetAsync("plant/temp", 999.0, func(w *jet.Warning, err error) { done <- outcome{w, err} })

	select {
	case o := <-done:
		if o.err != nil {
			t.Fatalf("SetAsync: %v", o.err)
		}
		if o.warning == nil || o.warning.Code != 1 {
			t.Errorf("warning = %+v, want code=1", o.warning)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SetAsync callback never ran")
	}
}

// TestAdaptedStateHandlerReturnsWarningInResponse drives the inbound side of
// the same scenario (spec.md §8 scenario 2): a published state's handler
// coerces the requested value and flags the adaptation, and the response
// the daemon receives must carry that warning.
func TestAdaptedStateHandlerReturnsWarningInResponse(t *testing.T) {
	p, d := startPaired(t)

	err := p.AddState(context.Background(), "plant/temp", 0.0, func(ctx context.Context, path string, requested json.RawMessage) (jet.SetResult, error) {
		var v float64
		if err := json.Unmarshal(requested, &v); err != nil {
			return jet.SetResult{}, err
		}
		if v > 100 {
			return jet.Adapted(100.0, 1, "clamped to 100"), nil
		}
		return jet.Changed(v), nil
	})
	if err != nil {
		t.Fatalf("AddState: %v", err)
	}

	resp := d.pushRequest("plant/temp", map[string]any{"path": "plant/temp", "value": 150.0}, true)
	if resp.Error != nil {
		t.Fatalf("set response carried an error: %+v", resp.Error)
	}
	var body struct {
		Warning *jet.Warning `json:"warning"`
	}
	if err := json.Unmarshal(resp.Result, &body); err != nil {
		t.Fatalf("decode set result: %v", err)
	}
	if body.Warning == nil || body.Warning.Code != 1 {
		t.Errorf("warning = %+v, want code=1", body.Warning)
	}
}

// TestResumeRestoresFetchUnderOriginalID drives spec.md §8 scenario 4 and
// invariant I5: after the connection drops and Resume reconnects, every
// fetch still held locally is re-subscribed under its original id.
func TestResumeRestoresFetchUnderOriginalID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	restoredID := make(chan int64, 1)
	daemons := make(chan *fakeDaemon, 2)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d := newFakeDaemon(t, conn)
			d.on("fetch", func(params json.RawMessage) (any, *jet.ErrorData) {
				var req struct {
					ID int64 `json:"id"`
				}
				if err := json.Unmarshal(params, &req); err == nil {
					select {
					case restoredID <- req.ID:
					default:
					}
				}
				return nil, nil
			})
			daemons <- d
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	p, err := jet.Dial(context.Background(), "127.0.0.1", port, jet.WithDialTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { p.Close() })

	var d1 *fakeDaemon
	select {
	case d1 = <-daemons:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never accepted the first connection")
	}

	id, err := p.AddFetch(context.Background(), jet.Matcher{StartsWith: "plant/"}, func(jet.FetchNotification) {})
	if err != nil {
		t.Fatalf("AddFetch: %v", err)
	}

	// Drain the restore-id channel of anything left over from the initial
	// AddFetch's own "fetch" request before forcing the reconnect below.
	select {
	case <-restoredID:
	default:
	}

	// Sever the first connection from the daemon side so the peer's read
	// loop observes an error and disconnects, without touching the local
	// fetch table (the behavior under test). Wait lets the old task group
	// (and therefore disconnect) finish before Resume starts a new one, so
	// the two connections' lifecycles don't overlap.
	d1.conn.Close()
	p.Wait()

	if !p.Resume(context.Background()) {
		t.Fatal("Resume reported failure")
	}

	select {
	case <-daemons:
	case <-time.After(2 * time.Second):
		t.Fatal("daemon never accepted the reconnection")
	}

	select {
	case gotID := <-restoredID:
		if gotID != id {
			t.Errorf("restored fetch id = %d, want %d", gotID, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fetch was never restored after Resume")
	}
}
