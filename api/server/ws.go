package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"ankercloud/api/middleware"
	"ankercloud/internal/apperr"
	"ankercloud/internal/feed"
	"ankercloud/internal/logger"
	"ankercloud/internal/models"
	"ankercloud/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect cross-origin; session auth happens in the
	// first frame, not via cookies, so origin checking buys nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	authWait       = 10 * time.Second
	maxMessageSize = 4096
	// sessionSendBuffer bounds the per-session outbound queue. A session
	// that cannot drain it loses data frames, mirroring hub semantics.
	sessionSendBuffer = 64
)

// clientMessage is everything a live-feed client may send.
type clientMessage struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	ResourceID string `json:"resourceId,omitempty"`
	Kind       string `json:"resourceKind,omitempty"`
}

type liveSession struct {
	conn      *websocket.Conn
	server    *Server
	accountID string
	admin     bool

	send chan any

	mu   sync.Mutex
	subs map[feed.Topic]*feed.Subscription
	done chan struct{}
}

// liveFeed upgrades the connection and runs one live-feed session. The
// client authenticates with its first frame, then subscribes and
// unsubscribes to per-resource streams at will.
func (s *Server) liveFeed(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session := &liveSession{
		conn:   conn,
		server: s,
		send:   make(chan any, sessionSendBuffer),
		subs:   make(map[feed.Topic]*feed.Subscription),
		done:   make(chan struct{}),
	}

	if !session.authenticate() {
		conn.Close()
		return
	}

	go session.writePump()
	session.readPump()
}

// authenticate waits for the auth frame and validates its token.
func (ls *liveSession) authenticate() bool {
	ls.conn.SetReadLimit(maxMessageSize)
	ls.conn.SetReadDeadline(time.Now().Add(authWait))

	var msg clientMessage
	if err := ls.conn.ReadJSON(&msg); err != nil {
		return false
	}
	if msg.Type != "auth" || msg.Token == "" {
		ls.writeNow(gin.H{"type": "error", "error": "first message must be auth"})
		return false
	}

	claims, err := middleware.ParseToken(ls.server.config.Auth.JWTSecret, msg.Token)
	if err != nil {
		ls.writeNow(gin.H{"type": "error", "error": "invalid token"})
		return false
	}

	ls.accountID = claims.AccountID
	ls.admin = claims.Admin
	ls.writeNow(gin.H{"type": "auth_ok"})
	return true
}

// writeNow writes one frame synchronously, used before the write pump runs.
func (ls *liveSession) writeNow(v any) {
	ls.conn.SetWriteDeadline(time.Now().Add(ls.server.writeWait()))
	_ = ls.conn.WriteJSON(v)
}

func (s *Server) writeWait() time.Duration {
	return time.Duration(s.config.Feed.WriteWaitSeconds) * time.Second
}

func (s *Server) heartbeat() time.Duration {
	return time.Duration(s.config.Feed.HeartbeatSeconds) * time.Second
}

func (ls *liveSession) readPump() {
	defer ls.teardown()

	heartbeat := ls.server.heartbeat()
	ls.conn.SetReadDeadline(time.Now().Add(heartbeat * 2))
	ls.conn.SetPongHandler(func(string) error {
		ls.conn.SetReadDeadline(time.Now().Add(heartbeat * 2))
		return nil
	})

	for {
		var msg clientMessage
		if err := ls.conn.ReadJSON(&msg); err != nil {
			return
		}
		ls.conn.SetReadDeadline(time.Now().Add(heartbeat * 2))

		switch msg.Type {
		case "subscribe":
			ls.subscribe(msg)
		case "unsubscribe":
			ls.unsubscribe(msg)
		case "ping":
			ls.enqueue(gin.H{"type": "pong", "timestamp": time.Now().UTC()})
		default:
			ls.enqueue(gin.H{"type": "error", "error": "unknown message type"})
		}
	}
}

func (ls *liveSession) writePump() {
	ticker := time.NewTicker(ls.server.heartbeat())
	defer func() {
		ticker.Stop()
		ls.conn.Close()
	}()

	for {
		select {
		case <-ls.done:
			ls.conn.SetWriteDeadline(time.Now().Add(ls.server.writeWait()))
			ls.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case msg := <-ls.send:
			ls.conn.SetWriteDeadline(time.Now().Add(ls.server.writeWait()))
			if err := ls.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			ls.conn.SetWriteDeadline(time.Now().Add(ls.server.writeWait()))
			if err := ls.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue hands a frame to the write pump without ever blocking the caller.
// The send channel is never closed, so a late frame after teardown just
// sits in the buffer of a dead session.
func (ls *liveSession) enqueue(v any) {
	select {
	case ls.send <- v:
	default:
		// Session cannot keep up; the frame is lost, the stream stays live.
	}
}

func (ls *liveSession) subscribe(msg clientMessage) {
	kind := models.ResourceKind(msg.Kind)
	if !models.ValidKind(kind) || msg.ResourceID == "" {
		ls.enqueue(gin.H{"type": "error", "error": "subscribe needs resourceId and resourceKind"})
		return
	}

	res, err := ls.loadResource(msg.ResourceID)
	if err != nil {
		ls.enqueue(gin.H{"type": "error", "error": "resource not found"})
		return
	}
	if res.Kind != kind {
		ls.enqueue(gin.H{"type": "error", "error": "resource kind mismatch"})
		return
	}

	topic := feed.Topic{Kind: kind, ResourceID: res.ID}

	ls.mu.Lock()
	if _, exists := ls.subs[topic]; exists {
		ls.mu.Unlock()
		ls.enqueue(gin.H{"type": "subscribed", "resourceId": res.ID})
		return
	}
	sub := ls.server.hub.Subscribe(topic)
	ls.subs[topic] = sub
	ls.mu.Unlock()

	go ls.forward(sub)

	ls.enqueue(gin.H{"type": "subscribed", "resourceId": res.ID})

	// Seed the stream with the last stored sample so the client does not
	// sit blank until the next push arrives.
	ls.sendSnapshot(res)
}

func (ls *liveSession) unsubscribe(msg clientMessage) {
	topic := feed.Topic{Kind: models.ResourceKind(msg.Kind), ResourceID: msg.ResourceID}

	ls.mu.Lock()
	sub, ok := ls.subs[topic]
	if ok {
		delete(ls.subs, topic)
	}
	ls.mu.Unlock()

	if ok {
		sub.Close()
	}
	ls.enqueue(gin.H{"type": "unsubscribed", "resourceId": msg.ResourceID})
}

// forward pipes one subscription's updates into the session until either
// side closes.
func (ls *liveSession) forward(sub *feed.Subscription) {
	for update := range sub.C {
		ls.enqueue(metricFrame(update))
	}
}

func (ls *liveSession) sendSnapshot(res *models.Resource) {
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()

	sample, err := ls.server.store.Latest(ctx, res.ID, res.Kind)
	if errors.Is(err, store.ErrNoData) {
		return
	}
	if err != nil {
		logger.Debug("snapshot load failed",
			zap.String("resource_id", res.ID),
			zap.Error(err))
		return
	}

	ls.enqueue(metricFrame(feed.Update{
		ResourceID: res.ID,
		Kind:       res.Kind,
		Status:     res.Status,
		Timestamp:  sample.GetTimestamp(),
		Metrics:    sample.Metrics(),
	}))
}

func (ls *liveSession) loadResource(id string) (*models.Resource, error) {
	ctx, cancel := contextWithTimeout(5 * time.Second)
	defer cancel()

	var res models.Resource
	if err := ls.server.db.WithContext(ctx).First(&res, "id = ?", id).Error; err != nil {
		return nil, err
	}
	if !ls.admin && res.AccountID != ls.accountID {
		return nil, apperr.NotFound("resource not found")
	}
	return &res, nil
}

// teardown closes every subscription, which ends their forward goroutines,
// then stops the write pump.
func (ls *liveSession) teardown() {
	ls.mu.Lock()
	subs := make([]*feed.Subscription, 0, len(ls.subs))
	for _, sub := range ls.subs {
		subs = append(subs, sub)
	}
	ls.subs = make(map[feed.Topic]*feed.Subscription)
	ls.mu.Unlock()

	for _, sub := range subs {
		logger.Debug("releasing live subscription",
			zap.String("resource_id", sub.Topic().ResourceID))
		sub.Close()
	}

	close(ls.done)
}

func contextWithTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

func metricFrame(update feed.Update) gin.H {
	return gin.H{
		"type":         "metric",
		"resourceId":   update.ResourceID,
		"resourceKind": update.Kind,
		"data": gin.H{
			"status":    update.Status,
			"timestamp": update.Timestamp,
			"metrics":   update.Metrics,
		},
	}
}
