package websocket

import (
	"context"
	"sync"
	"time"

	"provisioning-queue/internal/models"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout  = 5 * time.Second
	snapshotLimit = 50
)

// Store is what the manager reads to build snapshots.
type Store interface {
	Stats(ctx context.Context) (*models.QueueStats, error)
	ListByStatus(ctx context.Context, status models.Status, limit int) ([]models.QueueItem, error)
}

// Snapshot is the message pushed to dashboard clients.
type Snapshot struct {
	Event      *models.QueueEvent `json:"event,omitempty"`
	Stats      *models.QueueStats `json:"stats"`
	Pending    []models.QueueItem `json:"pending"`
	Processing []models.QueueItem `json:"processing"`
	Failed     []models.QueueItem `json:"failed"`
	Clients    int                `json:"clients"`
}

type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *client) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

// Manager manages WebSocket connections and broadcasts queue snapshots
type Manager struct {
	clients   map[*client]struct{}
	clientsMu sync.Mutex
	store     Store
	log       logr.Logger

	lastEvent *models.QueueEvent
	wake      chan struct{}
}

// New creates a new WebSocket manager
func New(store Store, log logr.Logger) *Manager {
	return &Manager{
		clients: make(map[*client]struct{}),
		store:   store,
		log:     log,
		wake:    make(chan struct{}, 1),
	}
}

// AddClient registers conn, sends it the current snapshot and drops it once
// the peer goes away.
func (m *Manager) AddClient(ctx context.Context, conn *websocket.Conn) {
	c := &client{conn: conn}
	m.clientsMu.Lock()
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.clientsMu.Unlock()

	m.log.V(1).Info("websocket client connected", "clients", total)

	if snap, err := m.snapshot(ctx, nil); err != nil {
		m.log.Error(err, "build initial snapshot")
	} else if err := c.send(snap); err != nil {
		m.log.V(1).Info("initial snapshot not delivered", "error", err.Error())
	}

	go func() {
		defer m.remove(c)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *Manager) remove(c *client) {
	m.clientsMu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	total := len(m.clients)
	m.clientsMu.Unlock()

	if ok {
		_ = c.conn.Close()
		m.log.V(1).Info("websocket client disconnected", "clients", total)
	}
}

// Notify implements events.Notifier. It never blocks: bursts of events
// collapse into one broadcast carrying the latest event.
func (m *Manager) Notify(_ context.Context, ev models.QueueEvent) {
	m.clientsMu.Lock()
	m.lastEvent = &ev
	m.clientsMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Run broadcasts after every notification until ctx is done, then closes
// all connections.
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return nil
		case <-m.wake:
			m.Broadcast(ctx)
		}
	}
}

// Broadcast sends a fresh snapshot to all connected clients
func (m *Manager) Broadcast(ctx context.Context) {
	m.clientsMu.Lock()
	ev := m.lastEvent
	m.lastEvent = nil
	targets := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		targets = append(targets, c)
	}
	m.clientsMu.Unlock()

	if len(targets) == 0 {
		return
	}

	snap, err := m.snapshot(ctx, ev)
	if err != nil {
		m.log.Error(err, "build snapshot")
		return
	}
	for _, c := range targets {
		if err := c.send(snap); err != nil {
			m.remove(c)
		}
	}
}

// ClientCount returns the number of connected clients
func (m *Manager) ClientCount() int {
	m.clientsMu.Lock()
	defer m.clientsMu.Unlock()
	return len(m.clients)
}

func (m *Manager) snapshot(ctx context.Context, ev *models.QueueEvent) (*Snapshot, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Event: ev, Stats: stats, Clients: m.ClientCount()}
	for status, dst := range map[models.Status]*[]models.QueueItem{
		models.StatusPending:    &snap.Pending,
		models.StatusProcessing: &snap.Processing,
		models.StatusFailed:     &snap.Failed,
	} {
		items, err := m.store.ListByStatus(ctx, status, snapshotLimit)
		if err != nil {
			return nil, err
		}
		*dst = items
	}
	return snap, nil
}

func (m *Manager) closeAll() {
	m.clientsMu.Lock()
	targets := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		targets = append(targets, c)
	}
	m.clientsMu.Unlock()

	for _, c := range targets {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		m.remove(c)
	}
}
