package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
	"github.com/shaunagostinho/bafang-config/internal/device"
	"github.com/shaunagostinho/bafang-config/internal/events"
	"github.com/shaunagostinho/bafang-config/internal/profile"
	"github.com/shaunagostinho/bafang-config/internal/session"
	"github.com/shaunagostinho/bafang-config/internal/trace"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	srv  *Server
	sess *session.Session
	emu  *device.Emulator
	ev   *events.Fanout[events.Event]
	sub  *events.Subscription[events.Event]
	http *httptest.Server
}

// newHarness serves a session connected to an emulated controller and waits
// for the identification read to finish.
func newHarness(t *testing.T, withStore bool) *harness {
	t.Helper()
	log := quietLogger()
	h := &harness{ev: events.NewFanout[events.Event]()}
	h.sub = h.ev.Listen()
	t.Cleanup(func() { h.sub.Close() })

	h.emu = device.NewEmulator(device.EmulatorConfig{Chunk: 5}, log)
	link := device.NewLink(h.emu, device.WithLinkLogger(log), device.WithBackoff(time.Millisecond, 10*time.Millisecond))
	h.sess = session.New(link,
		session.WithLogger(log),
		session.OnBlockRead(func(b bafang.Block, err error) { h.ev.Publish(events.BlockRead(b, err)) }),
		session.OnBlockWritten(func(b bafang.Block, err error) { h.ev.Publish(events.BlockWritten(b, err)) }),
		session.OnTransportState(func(up bool) { h.ev.Publish(events.Transport(up)) }),
	)
	link.Attach(h.sess)

	cfg := DefaultConfig()
	cfg.path = filepath.Join(t.TempDir(), "config.yaml")
	deps := Deps{Session: h.sess, Events: h.ev, Logger: log, Trace: trace.New(cfg.Trace, log)}
	if withStore {
		st, err := profile.OpenStore(filepath.Join(t.TempDir(), "db"), log)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { st.Close() })
		deps.Store = st
	}
	h.srv = New(cfg, deps)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.srv.broadcastLoop(ctx, h.ev.Listen())
	go link.Serve(ctx)

	h.http = httptest.NewServer(h.srv.Handler())
	t.Cleanup(h.http.Close)

	h.await(t, events.KindRead, "info")
	return h
}

func (h *harness) await(t *testing.T, kind events.Kind, block string) events.Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-h.sub.Channel():
			if ev.Kind == kind && ev.Block == block {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event for %q", kind, block)
		}
	}
}

func (h *harness) do(t *testing.T, method, path, ctype, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if ctype != "" {
		req.Header.Set("Content-Type", ctype)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, string(data)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, false)
	resp, body := h.do(t, http.MethodGet, "/api/status", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	var st Status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatal(err)
	}
	if !st.Connected || st.State != "idle" || st.Info == nil || st.Info.Manufacturer == "" {
		t.Errorf("status = %+v", st)
	}
}

func TestReadAllThenProfile(t *testing.T) {
	h := newHarness(t, false)

	resp, body := h.do(t, http.MethodPost, "/api/read?block=all", "", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status %d: %s", resp.StatusCode, body)
	}
	h.await(t, events.KindRead, "throttle")

	resp, body = h.do(t, http.MethodGet, "/api/profile?format=yaml", "", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(resp.Header.Get("Content-Type"), "yaml") {
		t.Fatalf("status %d type %q", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	for _, key := range []string{"info:", "basic:", "pedal:", "throttle:"} {
		if !strings.Contains(body, key) {
			t.Errorf("profile lacks %s\n%s", key, body)
		}
	}

	_, body = h.do(t, http.MethodGet, "/api/profile?info=0", "", "")
	var p bafang.Profile
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		t.Fatal(err)
	}
	if p.Info != nil || p.Basic == nil {
		t.Errorf("profile = %+v", p)
	}
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t, false)
	tests := []struct {
		method, path string
		code         int
	}{
		{http.MethodPost, "/api/read?block=bogus", http.StatusBadRequest},
		{http.MethodPost, "/api/write?block=general", http.StatusBadRequest},
		{http.MethodPost, "/api/write?block=all", http.StatusBadRequest}, // nothing read yet
		{http.MethodGet, "/api/read?block=basic", http.StatusMethodNotAllowed},
		{http.MethodGet, "/api/snapshots", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := h.do(t, tt.method, tt.path, "", "")
		if resp.StatusCode != tt.code {
			t.Errorf("%s %s = %d, want %d: %s", tt.method, tt.path, resp.StatusCode, tt.code, body)
		}
	}
}

func TestPutProfileThenWrite(t *testing.T) {
	h := newHarness(t, false)
	h.do(t, http.MethodPost, "/api/read?block=throttle", "", "")
	h.await(t, events.KindRead, "throttle")

	doc := "throttle:\n  start_voltage: 12\n  end_voltage: 36\n  mode: speed\n  designated_assist: display\n  speed_limit: display\n  start_current: 10\n"
	resp, body := h.do(t, http.MethodPut, "/api/profile", "application/yaml", doc)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status %d: %s", resp.StatusCode, body)
	}
	p := h.sess.Profile()
	if p.Info == nil || p.Basic != nil || p.Throttle == nil || p.Throttle.StartVoltage != 12 {
		t.Fatalf("profile after PUT = %+v", p)
	}

	resp, _ = h.do(t, http.MethodPut, "/api/profile", "application/json", `{"bogus": 1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad document status %d", resp.StatusCode)
	}

	resp, body = h.do(t, http.MethodPost, "/api/write?block=throttle", "", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("write status %d: %s", resp.StatusCode, body)
	}
	if ev := h.await(t, events.KindWritten, "throttle"); !ev.OK {
		t.Fatalf("write event = %+v", ev)
	}
	if rec, _ := bafang.DecodeThrottle(h.emu.Frame(bafang.Throttle)); rec.StartVoltage != 12 {
		t.Errorf("emulator throttle = %+v", rec)
	}
}

func TestSnapshots(t *testing.T) {
	h := newHarness(t, true)

	resp, _ := h.do(t, http.MethodPost, "/api/snapshots", "", "")
	if resp.StatusCode != http.StatusCreated {
		// Info alone is enough to snapshot.
		t.Fatalf("POST snapshots status %d", resp.StatusCode)
	}

	h.do(t, http.MethodPost, "/api/read?block=all", "", "")
	h.await(t, events.KindRead, "throttle")

	resp, body := h.do(t, http.MethodPost, "/api/snapshots?label=stock", "", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST snapshots status %d: %s", resp.StatusCode, body)
	}
	var snap profile.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Label != "stock" || snap.Device == "" {
		t.Errorf("snapshot = %+v", snap)
	}

	_, body = h.do(t, http.MethodGet, "/api/snapshots?device="+url.QueryEscape(snap.Device), "", "")
	var list []profile.Snapshot
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].ID != snap.ID {
		t.Fatalf("list = %+v", list)
	}

	if err := h.sess.SetProfile(&bafang.Profile{}); err != nil {
		t.Fatal(err)
	}
	id := url.QueryEscape(snap.ID)
	resp, body = h.do(t, http.MethodPost, "/api/snapshot/restore?id="+id, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore status %d: %s", resp.StatusCode, body)
	}
	if p := h.sess.Profile(); p.Basic == nil || p.Pedal == nil || p.Throttle == nil {
		t.Errorf("restored profile = %+v", p)
	}

	// Without an id the newest snapshot of the connected controller wins.
	if err := h.sess.SetProfile(&bafang.Profile{}); err != nil {
		t.Fatal(err)
	}
	resp, body = h.do(t, http.MethodPost, "/api/snapshot/restore", "", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restore latest status %d: %s", resp.StatusCode, body)
	}
	var latest profile.Snapshot
	if err := json.Unmarshal([]byte(body), &latest); err != nil {
		t.Fatal(err)
	}
	if latest.ID != snap.ID {
		t.Errorf("restored %s, want newest %s", latest.ID, snap.ID)
	}
	if p := h.sess.Profile(); p.Basic == nil || p.Info == nil {
		t.Errorf("restored latest profile = %+v", p)
	}

	resp, _ = h.do(t, http.MethodDelete, "/api/snapshot?id="+id, "", "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("DELETE status %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/api/snapshot?id="+id, "", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET deleted status %d", resp.StatusCode)
	}
}

func TestConfigEndpoint(t *testing.T) {
	h := newHarness(t, false)
	h.srv.cfg.mu.Lock()
	h.srv.cfg.MQTT.Password = "secret"
	h.srv.cfg.mu.Unlock()

	_, body := h.do(t, http.MethodGet, "/api/config", "", "")
	if strings.Contains(body, "secret") || !strings.Contains(body, maskedPassword) {
		t.Errorf("config leaks password: %s", body)
	}

	patch := fmt.Sprintf(`{"trace":{"enabled":true,"path":%q},"mqtt":{"password":%q}}`, t.TempDir(), maskedPassword)
	resp, body := h.do(t, http.MethodPost, "/api/config", "application/json", patch)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST config status %d: %s", resp.StatusCode, body)
	}
	if !h.srv.trace.IsEnabled() {
		t.Error("trace not enabled")
	}
	h.srv.cfg.mu.RLock()
	password := h.srv.cfg.MQTT.Password
	h.srv.cfg.mu.RUnlock()
	if password != "secret" {
		t.Errorf("password = %q", password)
	}
	h.srv.trace.Close()
}

func TestWebsocket(t *testing.T) {
	h := newHarness(t, false)
	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Message
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatal(err)
	}
	if hello.Status == nil || !hello.Status.Connected || hello.Profile == nil {
		t.Fatalf("hello = %+v", hello)
	}

	if err := conn.WriteJSON(Command{Op: "frobnicate"}); err != nil {
		t.Fatal(err)
	}
	var msg Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatal(err)
	}
	if msg.Error == "" {
		t.Errorf("unknown op reply = %+v", msg)
	}

	if err := conn.WriteJSON(Command{Op: "read", Block: "pedal"}); err != nil {
		t.Fatal(err)
	}
	for {
		msg = Message{}
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		if msg.Event != nil && msg.Event.Block == "pedal" {
			break
		}
	}
	if !msg.Event.OK || msg.Profile == nil || msg.Profile.Pedal == nil {
		t.Errorf("pedal event = %+v", msg)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{session.ErrBusy, http.StatusConflict},
		{fmt.Errorf("x: %w", session.ErrNotConnected), http.StatusServiceUnavailable},
		{device.ErrNoPort, http.StatusServiceUnavailable},
		{bafang.ErrReadOnly, http.StatusBadRequest},
		{bafang.ErrNoRecord, http.StatusBadRequest},
		{profile.ErrNotFound, http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.code {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.code)
		}
	}
}
