package adminws

import (
	"encoding/json"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sixddc/ccbot/internal/store"
)

// ErrTooManyConnections is returned by AddClient once maxConns is reached.
var ErrTooManyConnections = errors.New("adminws: too many connections")

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 16)}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() { close(c.send) }

// Broadcaster fans out Session Store snapshots to every connected operator
// client: one immediately on connect, one on a fixed ticker, and one
// shortly after Nudge is called (debounced so a burst of binding/status
// changes collapses into a single re-broadcast).
type Broadcaster struct {
	mu             sync.RWMutex
	clients        map[*client]bool
	maxConns       int
	store          *store.Store
	snapshotTicker *time.Ticker
	nudgeMu        sync.Mutex
	nudgeTimer     *time.Timer
	nudgeDelay     time.Duration
	seq            atomic.Uint64
	stopped        chan struct{}
}

// NewBroadcaster starts the periodic snapshot loop immediately; callers
// must defer Stop.
func NewBroadcaster(st *store.Store, nudgeDelay, snapshotInterval time.Duration, maxConns int) *Broadcaster {
	b := &Broadcaster{
		clients:    make(map[*client]bool),
		maxConns:   maxConns,
		store:      st,
		nudgeDelay: nudgeDelay,
		stopped:    make(chan struct{}),
	}
	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()
	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) (*client, error) {
	b.mu.Lock()
	if b.maxConns > 0 && len(b.clients) >= b.maxConns {
		b.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too many connections"))
		conn.Close()
		return nil, ErrTooManyConnections
	}
	c := newClient(conn)
	b.clients[c] = true
	b.mu.Unlock()

	b.sendSnapshot(c)
	return c, nil
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
}

// Nudge schedules a debounced re-broadcast, for callers (the Binding
// Orchestrator, the Status Poller) that just mutated the Store and want
// operator clients to see it sooner than the next snapshot tick.
func (b *Broadcaster) Nudge() {
	b.nudgeMu.Lock()
	defer b.nudgeMu.Unlock()
	if b.nudgeTimer != nil {
		return
	}
	b.nudgeTimer = time.AfterFunc(b.nudgeDelay, func() {
		b.nudgeMu.Lock()
		b.nudgeTimer = nil
		b.nudgeMu.Unlock()
		b.broadcast(b.snapshotMessage())
	})
}

func (b *Broadcaster) snapshotLoop() {
	for {
		select {
		case <-b.snapshotTicker.C:
			b.broadcast(b.snapshotMessage())
		case <-b.stopped:
			return
		}
	}
}

func (b *Broadcaster) snapshotMessage() WSMessage {
	return WSMessage{Type: MsgSnapshot, Payload: buildSnapshot(b.store)}
}

func (b *Broadcaster) sendSnapshot(c *client) {
	msg := b.snapshotMessage()
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("adminws: marshal snapshot: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	msg.Seq = b.seq.Add(1)
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("adminws: marshal broadcast: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			log.Printf("adminws: client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

// ClientCount reports the number of connected operator clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Stop halts the snapshot ticker and loop goroutine.
func (b *Broadcaster) Stop() {
	b.snapshotTicker.Stop()
	close(b.stopped)
}
