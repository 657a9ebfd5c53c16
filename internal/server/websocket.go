package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/teslashibe/go-spl/internal/meter"
	"github.com/teslashibe/go-spl/internal/protocol"
)

// WSHub manages WebSocket connections and broadcasts every reading
type WSHub struct {
	meter  *meter.Meter
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex // per-connection write lock

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewWSHub creates a new WebSocket hub
func NewWSHub(m *meter.Meter, logger *slog.Logger) *WSHub {
	return &WSHub{
		meter:   m,
		logger:  logger,
		clients: make(map[*websocket.Conn]*sync.Mutex),
		done:    make(chan struct{}),
	}
}

// Run forwards meter readings to all clients until ctx is done or the meter stops
func (h *WSHub) Run(ctx context.Context) {
	h.runMu.Lock()
	ctx, h.cancel = context.WithCancel(ctx)
	h.runMu.Unlock()
	defer close(h.done)

	if h.meter == nil {
		<-ctx.Done()
		return
	}

	results := h.meter.Subscribe()
	defer h.meter.Unsubscribe(results)

	h.logger.Info("websocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("websocket hub stopped")
			return
		case result, ok := <-results:
			if !ok {
				h.logger.Info("websocket hub stopped", "reason", "meter stopped")
				return
			}

			msg, err := protocol.NewLevelMessage(LevelData(result))
			if err != nil {
				h.logger.Warn("websocket marshal error", "error", err)
				continue
			}
			h.broadcast(msg)
		}
	}
}

// LevelData converts a meter result into its stream form
func LevelData(r meter.Result) protocol.LevelData {
	data := protocol.LevelData{
		Seq:        r.Seq,
		DB:         r.DB,
		RMS:        r.RMS,
		Degenerate: r.Degenerate,
		Time:       r.Timestamp.UnixMilli(),
	}
	if r.PeakValid {
		peak := r.Peak
		data.Peak = &peak
	}
	return data
}

func (h *WSHub) broadcast(msg *protocol.Message) {
	data, err := msg.Bytes()
	if err != nil {
		h.logger.Warn("websocket marshal error", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for conn, wmu := range h.clients {
		wmu.Lock()
		err := conn.WriteMessage(websocket.TextMessage, data)
		wmu.Unlock()
		if err != nil {
			// Will be cleaned up when connection closes
			h.logger.Debug("websocket write error", "error", err)
		}
	}
}

// UpgradeHandler returns the WebSocket upgrade handler
func (h *WSHub) UpgradeHandler() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return websocket.New(h.handleConnection)(c)
		}

		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{
			"error":   "WebSocket upgrade required",
			"message": "Connect via WebSocket to receive the level stream",
		})
	}
}

func (h *WSHub) handleConnection(c *websocket.Conn) {
	wmu := &sync.Mutex{}

	h.mu.Lock()
	h.clients[c] = wmu
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("websocket client connected",
		"remote_addr", c.RemoteAddr().String(),
		"clients", clientCount,
	)

	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		clientCount := len(h.clients)
		h.mu.Unlock()

		h.logger.Info("websocket client disconnected",
			"remote_addr", c.RemoteAddr().String(),
			"clients", clientCount,
		)
	}()

	// Keep connection alive, read for close or commands
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			break
		}

		reply := h.handleCommand(data)
		if reply == nil {
			continue
		}

		out, err := reply.Bytes()
		if err != nil {
			continue
		}
		wmu.Lock()
		err = c.WriteMessage(websocket.TextMessage, out)
		wmu.Unlock()
		if err != nil {
			break
		}
	}
}

// handleCommand answers a client message; nil means no reply
func (h *WSHub) handleCommand(data []byte) *protocol.Message {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		reply, _ := protocol.NewErrorMessage("%v", err)
		return reply
	}

	switch msg.Type {
	case protocol.TypePing:
		return protocol.NewPongMessage(msg)
	case protocol.TypeGetStats:
		if h.meter == nil {
			return nil
		}
		reply, _ := protocol.NewMessage(protocol.TypeStats, h.meter.Stats())
		return reply
	case protocol.TypeGetLatest:
		if h.meter == nil {
			return nil
		}
		result, ok := h.meter.Latest()
		if !ok {
			reply, _ := protocol.NewErrorMessage("no reading yet")
			return reply
		}
		reply, _ := protocol.NewLevelMessage(LevelData(result))
		return reply
	default:
		reply, _ := protocol.NewErrorMessage("unknown command %q", msg.Type)
		return reply
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close shuts down the WebSocket hub
func (h *WSHub) Close() {
	h.runMu.Lock()
	cancel := h.cancel
	h.runMu.Unlock()

	if cancel != nil {
		cancel()
		<-h.done
	}

	// Close all client connections
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]*sync.Mutex)
	h.mu.Unlock()
}
