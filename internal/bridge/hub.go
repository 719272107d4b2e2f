package bridge

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/websocket"
	"github.com/pulkyeet/mev-simulator/internal/oracle"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HeadMessage is pushed to websocket clients for every primed snapshot.
type HeadMessage struct {
	Number      hexutil.Uint64 `json:"number"`
	Hash        common.Hash    `json:"hash"`
	Timestamp   hexutil.Uint64 `json:"timestamp"`
	BaseFee     *hexutil.Big   `json:"baseFeePerGas,omitempty"`
	Coinbase    common.Address `json:"coinbase"`
	GasLimit    hexutil.Uint64 `json:"gasLimit"`
	PrevRandao  *common.Hash   `json:"prevRandao,omitempty"`
	PrimedPools int            `json:"primedPools"`
	FailedPools int            `json:"failedPools"`
}

func newHeadMessage(snap *oracle.Snapshot) *HeadMessage {
	bc := snap.Context
	m := &HeadMessage{
		Number:      hexutil.Uint64(bc.Number),
		Hash:        bc.Hash,
		Timestamp:   hexutil.Uint64(bc.Timestamp),
		Coinbase:    bc.Coinbase,
		GasLimit:    hexutil.Uint64(bc.GasLimit),
		PrevRandao:  bc.PrevRandao,
		PrimedPools: snap.Primed,
		FailedPools: snap.Failed,
	}
	if bc.BaseFee != nil {
		m.BaseFee = (*hexutil.Big)(new(big.Int).Set(bc.BaseFee))
	}
	return m
}

// Hub fans primed block contexts out to websocket clients. A client that
// cannot keep up is disconnected.
type Hub struct {
	clients    map[*client]struct{}
	register   chan *client
	unregister chan *client
	done       chan struct{}

	wg sync.WaitGroup
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
	}
}

// Run serves clients and forwards every snapshot from snaps until ctx is
// done or snaps is closed. Run must be called once.
func (h *Hub) Run(ctx context.Context, snaps <-chan *oracle.Snapshot) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			log.Debug("Websocket client connected", "remote", c.conn.RemoteAddr(), "clients", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case snap, ok := <-snaps:
			if !ok {
				return
			}
			data, err := json.Marshal(newHeadMessage(snap))
			if err != nil {
				log.Error("Failed to encode head message", "err", err)
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					log.Debug("Dropping slow websocket client", "remote", c.conn.RemoteAddr())
					close(c.send)
					delete(h.clients, c)
				}
			}
		}
	}
}

// Wait blocks until every client pump has exited.
func (h *Hub) Wait() {
	h.wg.Wait()
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "err", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	h.wg.Add(2)
	select {
	case h.register <- c:
	case <-h.done:
		h.wg.Add(-2)
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump only drains control frames; clients send nothing meaningful.
func (c *client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.conn.Close()
		c.hub.wg.Done()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("Websocket read failed", "err", err)
			}
			return
		}
	}
}

func (h *Hub) unregisterClient(c *client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.hub.wg.Done()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
