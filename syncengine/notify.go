package syncengine

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mediflowhq/inventory_agent/config"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// SyncReadyListener keeps a websocket to the server's notification channel and
// turns sync-ready pushes into an immediate sync pass. The periodic probe is the
// fallback; this channel just shortens the window after the server comes back.
type SyncReadyListener struct {
	engine *Engine
	logger *logrus.Logger
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewSyncReadyListener(engine *Engine, logger *logrus.Logger) *SyncReadyListener {
	return &SyncReadyListener{
		engine: engine,
		logger: logger,
		done:   make(chan struct{}),
	}
}

type serverNotification struct {
	Type string `json:"type"`
}

func (l *SyncReadyListener) Start(ctx context.Context) {
	go l.run(ctx)
}

// Close stops the listener. The active connection is closed too, so a blocked
// ReadMessage returns immediately instead of waiting for the server to hang up.
func (l *SyncReadyListener) Close() {
	l.once.Do(func() { close(l.done) })
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (l *SyncReadyListener) setConn(conn *websocket.Conn) {
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
}

func (l *SyncReadyListener) run(ctx context.Context) {
	wsURL, err := notificationURL(l.engine.api.BaseURL())
	if err != nil {
		config.LogError(l.logger, "notify.go", "run", "notification url", nil, err)
		return
	}

	attempt := 0
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			attempt++
			select {
			case <-l.done:
				return
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(1<<min(attempt, 5)) * time.Second):
			}
			continue
		}
		attempt = 0
		l.setConn(conn)
		l.readLoop(ctx, conn)
		l.setConn(nil)
		conn.Close()
	}
}

func (l *SyncReadyListener) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var note serverNotification
		if err := json.Unmarshal(msg, &note); err != nil {
			continue
		}
		if note.Type == "sync-ready" {
			l.engine.monitor.ReportOnline()
			go l.engine.Sync(ctx)
		}
	}
}

func notificationURL(baseURL string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/notifications"
	return u.String(), nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
