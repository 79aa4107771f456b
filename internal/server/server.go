// Package server exposes a controller session over HTTP and websocket: the
// profile, read and write commands, snapshots, configuration and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/bafang-config/internal/bafang"
	"github.com/shaunagostinho/bafang-config/internal/device"
	"github.com/shaunagostinho/bafang-config/internal/events"
	"github.com/shaunagostinho/bafang-config/internal/metrics"
	"github.com/shaunagostinho/bafang-config/internal/profile"
	"github.com/shaunagostinho/bafang-config/internal/session"
	"github.com/shaunagostinho/bafang-config/internal/trace"
)

// Deps are the collaborators of a Server. Store, Trace and Assets are
// optional.
type Deps struct {
	Session *session.Session
	Events  *events.Fanout[events.Event]
	Store   *profile.Store
	Trace   *trace.Recorder
	Assets  fs.FS
	Logger  *slog.Logger
}

// Server bridges HTTP and websocket clients to the session and broadcasts
// session events to websocket clients. It is a suture service.
type Server struct {
	cfg    *Config
	sess   *session.Session
	events *events.Fanout[events.Event]
	store  *profile.Store
	trace  *trace.Recorder
	webFS  fs.FS
	log    *slog.Logger

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Message is the JSON structure sent to websocket clients.
type Message struct {
	Event   *events.Event   `json:"event,omitempty"`
	Status  *Status         `json:"status,omitempty"`
	Profile *bafang.Profile `json:"profile,omitempty"`
	Error   string          `json:"error,omitempty"`
	Stamp   int64           `json:"stamp"` // Unix ms
}

// Status summarises the session.
type Status struct {
	Connected bool         `json:"connected"`
	State     string       `json:"state"`
	Block     string       `json:"block,omitempty"`
	Chaining  bool         `json:"chaining"`
	Info      *bafang.Info `json:"info,omitempty"`
}

// Command is a websocket request from a client.
type Command struct {
	Op    string `json:"op"`    // "read" or "write"
	Block string `json:"block"` // block key, name, or "all"
}

// New creates a new Server.
func New(cfg *Config, deps Deps) *Server {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	ev := deps.Events
	if ev == nil {
		ev = events.NewFanout[events.Event]()
	}
	return &Server{
		cfg:     cfg,
		sess:    deps.Session,
		events:  ev,
		store:   deps.Store,
		trace:   deps.Trace,
		webFS:   deps.Assets,
		log:     log.With("component", "server"),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) String() string { return "http server" }

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/profile", s.handleProfile)
	mux.HandleFunc("/api/read", s.handleCommand("read"))
	mux.HandleFunc("/api/write", s.handleCommand("write"))
	mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	mux.HandleFunc("/api/snapshot", s.handleSnapshot)
	mux.HandleFunc("/api/snapshot/restore", s.handleRestore)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.Handle("/metrics", promhttp.Handler())
	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	return mux
}

// Serve starts the HTTP server and the event broadcast loop, and shuts both
// down when ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.broadcastLoop(ctx, s.events.Listen())

	s.cfg.mu.RLock()
	addr := s.cfg.Server.ListenAddr
	s.cfg.mu.RUnlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// broadcastLoop forwards session events to every websocket client. A
// successful read also carries the updated profile.
func (s *Server) broadcastLoop(ctx context.Context, sub *events.Subscription[events.Event]) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-sub.Channel():
			msg := Message{Event: &ev, Stamp: time.Now().UnixMilli()}
			if ev.Kind == events.KindRead && ev.OK {
				msg.Profile = s.sess.Profile()
			}
			if ev.Kind == events.KindTransport {
				st := s.status()
				msg.Status = &st
			}
			s.broadcast(msg)
		}
	}
}

func (s *Server) status() Status {
	state, block := s.sess.State()
	st := Status{
		Connected: s.sess.Connected(),
		State:     state.String(),
		Chaining:  s.sess.Chaining(),
		Info:      s.sess.Profile().Info,
	}
	if state != session.Idle {
		st.Block = block.Key()
	}
	return st
}

// run executes a read or write command for one block or the whole chain.
func (s *Server) run(op, target string) error {
	if strings.EqualFold(target, "all") || target == "" {
		if op == "write" {
			return s.sess.WriteAllBlocks()
		}
		return s.sess.ReadAllBlocks()
	}
	b, err := bafang.ParseBlock(target)
	if err != nil {
		return fmt.Errorf("%w: %q", bafang.ErrUnknownBlock, target)
	}
	if op == "write" {
		return s.sess.WriteBlock(b)
	}
	return s.sess.ReadBlock(b)
}

// statusFor maps session and protocol errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, session.ErrNotConnected), errors.Is(err, device.ErrNoPort):
		return http.StatusServiceUnavailable
	case errors.Is(err, bafang.ErrUnknownBlock), errors.Is(err, bafang.ErrReadOnly), errors.Is(err, bafang.ErrNoRecord):
		return http.StatusBadRequest
	case errors.Is(err, profile.ErrNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.status())
}

func wantsYAML(r *http.Request) bool {
	if f := r.URL.Query().Get("format"); f != "" {
		return strings.EqualFold(f, "yaml") || strings.EqualFold(f, "yml")
	}
	return strings.Contains(r.Header.Get("Accept"), "yaml")
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		format, ctype := profile.JSON, "application/json"
		if wantsYAML(r) {
			format, ctype = profile.YAML, "application/yaml"
		}
		withInfo := r.URL.Query().Get("info") != "0"
		data, err := profile.Marshal(s.sess.Profile(), format, withInfo)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", ctype)
		w.Write(data)

	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		format := profile.JSON
		if strings.Contains(r.Header.Get("Content-Type"), "yaml") {
			format = profile.YAML
		}
		p, err := profile.Unmarshal(body, format)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		// The controller identification is never taken from a document.
		p.Info = s.sess.Profile().Info
		if err := s.sess.SetProfile(p); err != nil {
			writeError(w, err)
			return
		}
		s.log.Info("profile replaced", "basic", p.Has(bafang.Basic), "pedal", p.Has(bafang.Pedal), "throttle", p.Has(bafang.Throttle))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCommand(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		target := r.URL.Query().Get("block")
		if err := s.run(op, target); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
	}
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot store disabled"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		snaps, err := s.store.List(r.URL.Query().Get("device"))
		if err != nil {
			writeError(w, err)
			return
		}
		if snaps == nil {
			snaps = []profile.Snapshot{}
		}
		writeJSON(w, http.StatusOK, snaps)

	case http.MethodPost:
		p := s.sess.Profile()
		if p.Empty() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "profile is empty"})
			return
		}
		snap, err := s.store.Put(p, r.URL.Query().Get("label"), time.Now())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, snap)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot store disabled"})
		return
	}
	id := r.URL.Query().Get("id")
	switch r.Method {
	case http.MethodGet:
		p, _, err := s.store.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, p)

	case http.MethodDelete:
		if err := s.store.Delete(id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "snapshot store disabled"})
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := s.sess.Profile().Info
	var (
		p    *bafang.Profile
		snap profile.Snapshot
		err  error
	)
	if id := r.URL.Query().Get("id"); id != "" {
		p, snap, err = s.store.Get(id)
	} else {
		p, snap, err = s.store.Latest(profile.DeviceKey(info))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	p.Info = info
	if err := s.sess.SetProfile(p); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("restored snapshot", "id", snap.ID)
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), 500)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", 400)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", "err", err)
		}
		// Trace can be toggled live; everything else applies on restart.
		if s.trace != nil {
			s.trace.SetEnabled(s.cfg.TraceEnabled())
		}

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))

	default:
		http.Error(w, "method not allowed", 405)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	metrics.Clients.Inc()

	s.log.Info("websocket client connected", "clients", n)

	// Initial status and profile
	st := s.status()
	hello := Message{Status: &st, Profile: s.sess.Profile(), Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine: commands from the client
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			metrics.Clients.Dec()
			s.log.Info("websocket client disconnected", "clients", n)
		}()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			var cmd Command
			if err := json.Unmarshal(data, &cmd); err != nil {
				s.reply(client, Message{Error: "invalid command: " + err.Error()})
				continue
			}
			if cmd.Op != "read" && cmd.Op != "write" {
				s.reply(client, Message{Error: "unknown op " + cmd.Op})
				continue
			}
			if err := s.run(cmd.Op, cmd.Block); err != nil {
				s.reply(client, Message{Error: err.Error()})
			}
		}
	}()
}

func (s *Server) reply(c *wsClient, msg Message) {
	msg.Stamp = time.Now().UnixMilli()
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if _, ok := s.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (s *Server) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
