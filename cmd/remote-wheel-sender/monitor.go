package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ==============================
// Monitor WebSocket: hub + per-client pumps + broadcaster
// ==============================
//
// The monitor exposes live routing state over a WebSocket:
//   - A Hub tracks connected clients
//   - Per-client write pumps so one slow client cannot block others
//   - A broadcaster loop reads reducer-emitted broadcasts and fans out
//
// RouterState stays daemon-owned: the initial snapshot on connect goes
// through the event loop as a RequestStateSnapshot, never by reading state
// directly. Slow clients are disconnected when their send buffer fills.
//
// Messages are JSON text frames with an envelope: {type, ts, data}. The
// initial message on connect is "state_init" with the full snapshot.

// wsInputChangedData is the JSON `data` payload for "input_changed".
type wsInputChangedData struct {
	Input   string  `json:"input"`
	Kind    string  `json:"kind"`
	Value   float64 `json:"value"`
	Pressed bool    `json:"pressed,omitempty"`
}

// wsDeviceAngleData is the JSON `data` payload for "device_angle".
type wsDeviceAngleData struct {
	Device   string  `json:"device"`
	AngleDeg float64 `json:"angle_deg"`
}

// wsOutboundEvent is a pre-typed, externally-consumable state event. Key
// groups bursty updates for coalescing; an empty key emits immediately.
type wsOutboundEvent struct {
	Type string
	Key  string
	Data any
	At   time.Time
}

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string      `json:"type"`
	Ts   *time.Time  `json:"ts,omitempty"`
	Data interface{} `json:"data,omitempty"`
}

// ==============================
// Hub
// ==============================

const (
	// monitorSendBuf is the per-client outbound queue size.
	monitorSendBuf = 32
	// monitorBroadcastBuf is the hub inbound broadcast queue size.
	monitorBroadcastBuf = 128
)

type Hub struct {
	logger *slog.Logger

	// Buffered broadcast channel for already-serialized JSON frames.
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub constructs a hub. Call Run(ctx) to start it.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, monitorBroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
	}
}

// Run processes hub events until ctx is canceled. It disconnects all
// clients on shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("ws hub starting")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("ws hub stopping (context canceled)")
			h.closeAllClients()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws client registered", "remote_addr", c.remoteAddr, "clients", n)

		case c := <-h.unregister:
			h.removeClient(c, "unregister")

		case msg := <-h.broadcast:
			// Avoid mutating the clients map while ranging over it.
			// Collect slow clients first, then remove them after we unlock.
			var slow []*Client

			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.Unlock()

			for _, c := range slow {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
	}
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		if c.conn != nil {
			_ = c.conn.Close()
		}
		// Closing send signals writePump to exit.
		safeCloseChan(c.send)

		h.logger.Info("ws client disconnected", "remote_addr", c.remoteAddr, "reason", reason, "clients", n)
	}
}

func safeCloseChan(ch chan []byte) {
	defer func() {
		_ = recover() // ignore "close of closed channel"
	}()
	close(ch)
}

// BroadcastBytes enqueues a pre-serialized JSON WS frame for broadcast.
// It never blocks; if the hub queue is full it drops the message.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws hub broadcast queue full, dropping message", "bytes", len(msg))
	}
}

// ==============================
// Client
// ==============================

type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

// NewClient creates a client with a buffered send channel.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, monitorSendBuf),
		remoteAddr: remoteAddr,
		logger:     logger,
	}
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

func logPumpExit(logger *slog.Logger, remoteAddr, pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		logger.Info("ws "+pump+" exiting (close)", "remote_addr", remoteAddr, "code", ce.Code, "reason", ce.Text)
		return
	}
	logger.Info("ws "+pump+" exiting", "remote_addr", remoteAddr, "error", err)
}

// writePump writes messages from the send queue to the websocket.
// It exits on write error or when send is closed.
func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))

	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed: hub is disconnecting us.
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logPumpExit(c.logger, c.remoteAddr, "writePump", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				logPumpExit(c.logger, c.remoteAddr, "writePump", err)
				return
			}
		}
	}
}

// readPump reads and discards incoming messages to detect disconnects and
// handle control frames. It exits on read error, then unregisters the
// client.
func (c *Client) readPump(ctx context.Context) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			// Continue to read.
		}

		_, _, err := c.conn.ReadMessage()
		if err != nil {
			logPumpExit(c.logger, c.remoteAddr, "readPump", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// ==============================
// HTTP handler + server wiring
// ==============================

type MonitorServer struct {
	logger *slog.Logger
	hub    *Hub

	// Required for the initial snapshot request on connect (through the
	// event loop).
	events chan<- Event
}

func NewMonitorServer(logger *slog.Logger, events chan<- Event) *MonitorServer {
	return &MonitorServer{
		logger: logger,
		hub:    NewHub(logger),
		events: events,
	}
}

func (s *MonitorServer) Hub() *Hub { return s.hub }

// Register registers the WS handler on the provided mux.
func (s *MonitorServer) Register(mux *http.ServeMux, path string) {
	if mux == nil {
		return
	}
	mux.HandleFunc(path, s.handleMonitorWS)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleMonitorWS upgrades and registers a client, then sends state_init.
func (s *MonitorServer) handleMonitorWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)

	// Register the client first so broadcasts can reach it.
	s.hub.register <- client

	// Do not tie the pumps to the HTTP request context: net/http cancels it
	// when the handler returns, which would stop the pumps and close the
	// socket abnormally. The connection lifetime is managed by the hub and
	// by websocket read/write errors.
	go client.writePump(context.Background())
	go client.readPump(context.Background())

	if s.events == nil {
		return
	}

	// Request the snapshot through the event loop. The HTTP request context
	// applies here so the round-trip cancels if the client disconnects.
	reply := make(chan MonitorSnapshot, 1)

	select {
	case <-r.Context().Done():
		return
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	waitCtx := r.Context()
	if _, has := r.Context().Deadline(); !has {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
	}

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("ws snapshot request failed", "error", waitCtx.Err())
		}
		return

	case snap := <-reply:
		now := time.Now().UTC()
		initMsg, mErr := json.Marshal(envelope{
			Type: "state_init",
			Ts:   &now,
			Data: snap,
		})
		if mErr == nil {
			// Enqueue the init message; if the client is already slow,
			// disconnect it.
			select {
			case client.send <- initMsg:
			default:
				s.hub.unregister <- client
			}
		}
	}
}

// runMonitorServer serves the monitor WebSocket endpoint on a listener
// bound at startup and shuts down gracefully when ctx is canceled.
func runMonitorServer(ctx context.Context, ln net.Listener, srv *MonitorServer, logger *slog.Logger) error {
	mux := http.NewServeMux()
	srv.Register(mux, "/state")

	httpSrv := &http.Server{Handler: mux}
	logger.Info("monitor listening", "address", ln.Addr().String(), "path", "/state")

	errCh := make(chan error, 1)

	go func() {
		// Serve returns http.ErrServerClosed on Shutdown; treat that as a
		// clean exit.
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("monitor server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("monitor server shutdown: %w", err)
		}
		// Wait for the Serve goroutine to return.
		_ = <-errCh
		return nil

	case err := <-errCh:
		return err
	}
}

// ==============================
// Broadcaster
// ==============================

// monitorCoalesceWindow caps how often bursty axis and device updates are
// flushed to clients (latest-wins per key). Button edges bypass coalescing
// so presses are never dropped.
const monitorCoalesceWindow = 50 * time.Millisecond

// RunBroadcaster reads reducer-emitted StateBroadcast values, marshals
// them, and broadcasts them to all hub clients. Intended to run as a
// single goroutine.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	// Bursty updates are held per key and flushed latest-wins at most once
	// per coalesce window (no debounce-on-silence). Order tracks first
	// arrival so flushes preserve relative key order.
	pending := make(map[string]wsOutboundEvent)
	var order []string
	var timer *time.Timer
	var timerCh <-chan time.Time

	emit := func(ev wsOutboundEvent) {
		ts := ev.At
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		msg, err := json.Marshal(envelope{Type: ev.Type, Ts: &ts, Data: ev.Data})
		if err != nil {
			logger.Warn("ws broadcaster marshal failed", "error", err, "type", ev.Type)
			return
		}
		hub.BroadcastBytes(msg)
	}

	flushPending := func() {
		for _, key := range order {
			ev, ok := pending[key]
			if !ok {
				continue
			}
			delete(pending, key)
			emit(ev)
		}
		order = order[:0]
	}

	stopTimer := func() {
		if timer == nil {
			timerCh = nil
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer = nil
		timerCh = nil
	}

	startTimerIfNeeded := func() {
		if timer != nil {
			return
		}
		timer = time.NewTimer(monitorCoalesceWindow)
		timerCh = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			// Best-effort: flush held updates before exit.
			flushPending()
			stopTimer()
			return

		case <-timerCh:
			stopTimer()
			flushPending()

		case b, ok := <-src:
			if !ok {
				flushPending()
				stopTimer()
				logger.Info("ws broadcaster stopping (source ended)")
				return
			}

			ev, ok := convertBroadcast(b)
			if !ok {
				// Unknown broadcasts are dropped.
				continue
			}

			if ev.Key != "" {
				if _, held := pending[ev.Key]; !held {
					order = append(order, ev.Key)
				}
				pending[ev.Key] = ev
				startTimerIfNeeded()
				continue
			}

			// Immediate event: flush held updates first so clients never
			// see an edge overtake the update that preceded it.
			flushPending()
			stopTimer()
			emit(ev)
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastInputChanged:
		out := wsOutboundEvent{
			Type: "input_changed",
			Data: wsInputChangedData{
				Input:   ev.Input,
				Kind:    ev.Kind.String(),
				Value:   ev.Value,
				Pressed: ev.Pressed,
			},
			At: ev.At,
		}
		// Axis streams are bursty; button frames carry edges and always
		// emit immediately.
		if ev.Kind == InputAxis {
			out.Key = "input:" + ev.Input
		}
		return out, true

	case BroadcastDeviceAngle:
		return wsOutboundEvent{
			Type: "device_angle",
			Key:  "device:" + ev.Device,
			Data: wsDeviceAngleData{Device: ev.Device, AngleDeg: ev.AngleDeg},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
