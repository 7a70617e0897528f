// Package signal is the websocket gateway: it bridges browser clients to
// room sessions, pushing read-model updates out and translating client
// actions into session calls.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/atedres/infinity-rooms/internal/app/roles"
	"github.com/atedres/infinity-rooms/internal/app/session"
	"github.com/atedres/infinity-rooms/internal/config"
	"github.com/atedres/infinity-rooms/internal/core"
	"github.com/atedres/infinity-rooms/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

type Controller struct {
	Store   core.RelayStore
	Roles   *roles.Controller
	Capture core.MediaCapture
	Peers   core.PeerFactory
	Cfg     *config.Config
	Users   *UserRegistry
	Limiter *ActionRateLimiter
}

func NewController(cfg *config.Config, store core.RelayStore, ctrl *roles.Controller, capture core.MediaCapture, peers core.PeerFactory) *Controller {
	return &Controller{
		Store:   store,
		Roles:   ctrl,
		Capture: capture,
		Peers:   peers,
		Cfg:     cfg,
		Users:   NewUserRegistry(),
		Limiter: NewActionRateLimiter(10, time.Minute),
	}
}

// Conn wraps one websocket with a bounded outbound queue. A slow consumer
// hits ErrBackpressure instead of blocking the whole gateway.
type Conn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *Conn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is one connected browser: its identity and, while joined, its
// live room session.
type client struct {
	ctl   *Controller
	token string
	conn  *Conn

	mu   sync.Mutex
	user domain.User
	sess *session.Session
}

func (cl *client) session() *session.Session {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.sess
}

// connNotifier surfaces coordinator notices as websocket frames.
type connNotifier struct {
	ctl  *Controller
	conn *Conn
}

func (n connNotifier) Notify(level core.NoticeLevel, message string) {
	levels := map[core.NoticeLevel]string{
		core.NoticeInfo:  "info",
		core.NoticeWarn:  "warn",
		core.NoticeError: "error",
	}
	n.ctl.sendJSON(n.conn, map[string]any{
		"type": "notice", "level": levels[level], "message": message,
	})
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	log.Info().Str("module", "signal").Str("token", token).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &Conn{
		conn: ws,
		send: make(chan []byte, 32),
	}
	cl := &client{
		ctl:   ctl,
		token: token,
		conn:  conn,
		user:  ctl.Users.GetOrCreate(token),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, cancel, cl)
}
