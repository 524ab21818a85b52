package gossip

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rustchain/rustchain-go/logger"
)

// writeWait bounds how long one slow subscriber can hold the feed.
const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Feed pushes announcements to websocket subscribers. Subscribers that
// fail a write are dropped; the feed never blocks an announcer.
type Feed struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func NewFeed() *Feed {
	return &Feed{conns: make(map[*websocket.Conn]bool)}
}

// Subscribe upgrades the request and registers the connection. The
// read loop only drains control frames; the feed is one-way.
func (f *Feed) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Logger.Error("Websocket upgrade failed", zap.Error(err))
		return
	}

	f.mu.Lock()
	f.conns[conn] = true
	f.mu.Unlock()
	logger.Logger.Info("Gossip subscriber connected", zap.String("remote", conn.RemoteAddr().String()))

	go func() {
		defer f.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Publish sends v as JSON to every subscriber. Writes carry a
// deadline, so a stalled connection times out and is dropped instead
// of blocking every later publish.
func (f *Feed) Publish(v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for conn := range f.conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(v); err != nil {
			conn.Close()
			delete(f.conns, conn)
		}
	}
}

// Subscribers returns the current connection count.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *Feed) drop(conn *websocket.Conn) {
	conn.Close()
	f.mu.Lock()
	delete(f.conns, conn)
	f.mu.Unlock()
}
