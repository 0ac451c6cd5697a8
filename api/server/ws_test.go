package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ankercloud/internal/feed"
	"ankercloud/internal/models"

	"github.com/gorilla/websocket"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialLiveFeed(t *testing.T, f *apiFixture) *wsClient {
	t.Helper()
	ts := httptest.NewServer(f.server.router)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial live feed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(v any) {
	c.t.Helper()
	if err := c.conn.WriteJSON(v); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *wsClient) read() map[string]any {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame map[string]any
	if err := c.conn.ReadJSON(&frame); err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	return frame
}

func (c *wsClient) auth(token string) {
	c.t.Helper()
	c.send(map[string]any{"type": "auth", "token": token})
	if frame := c.read(); frame["type"] != "auth_ok" {
		c.t.Fatalf("auth reply = %v", frame)
	}
}

func waitForSubscribers(t *testing.T, hub *feed.Hub, topic feed.Topic, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SubscriberCount(topic) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscriber count for %s never reached %d", topic.ResourceID, want)
}

func TestLiveFeedSessionProtocol(t *testing.T) {
	f := newAPIFixture(t)
	c := dialLiveFeed(t, f)
	c.auth(f.token)

	c.send(map[string]any{"type": "subscribe", "resourceId": "srv-1", "resourceKind": "server"})
	if frame := c.read(); frame["type"] != "subscribed" || frame["resourceId"] != "srv-1" {
		t.Fatalf("subscribe reply = %v", frame)
	}

	topic := feed.Topic{Kind: models.KindServer, ResourceID: "srv-1"}
	waitForSubscribers(t, f.server.hub, topic, 1)

	if w := f.push(95); w.Code != http.StatusOK {
		t.Fatalf("push failed: %s", w.Body.String())
	}

	frame := c.read()
	if frame["type"] != "metric" {
		t.Fatalf("streamed frame type = %q, want metric: %v", frame["type"], frame)
	}
	if frame["resourceId"] != "srv-1" || frame["resourceKind"] != "server" {
		t.Fatalf("frame addressing = %v", frame)
	}
	data, ok := frame["data"].(map[string]any)
	if !ok {
		t.Fatalf("frame payload not nested under data: %v", frame)
	}
	metrics, ok := data["metrics"].(map[string]any)
	if !ok || metrics["cpuUsagePercent"] != 95.0 {
		t.Fatalf("frame data = %v", data)
	}
	if data["status"] != string(models.StatusCritical) {
		t.Fatalf("frame status = %v, want critical", data["status"])
	}

	c.send(map[string]any{"type": "ping"})
	pong := c.read()
	if pong["type"] != "pong" {
		t.Fatalf("ping reply = %v", pong)
	}
	if _, ok := pong["timestamp"]; !ok {
		t.Fatalf("pong frame lacks timestamp: %v", pong)
	}

	c.send(map[string]any{"type": "unsubscribe", "resourceId": "srv-1", "resourceKind": "server"})
	if frame := c.read(); frame["type"] != "unsubscribed" {
		t.Fatalf("unsubscribe reply = %v", frame)
	}
	waitForSubscribers(t, f.server.hub, topic, 0)
}

func TestLiveFeedSubscribeSendsSnapshot(t *testing.T) {
	f := newAPIFixture(t)

	// Data exists before the client connects; subscribing must replay it.
	if w := f.push(42); w.Code != http.StatusOK {
		t.Fatalf("seed push failed: %s", w.Body.String())
	}

	c := dialLiveFeed(t, f)
	c.auth(f.token)

	c.send(map[string]any{"type": "subscribe", "resourceId": "srv-1", "resourceKind": "server"})
	if frame := c.read(); frame["type"] != "subscribed" {
		t.Fatalf("subscribe reply = %v", frame)
	}

	snapshot := c.read()
	if snapshot["type"] != "metric" {
		t.Fatalf("snapshot frame = %v, want metric", snapshot)
	}
	data, ok := snapshot["data"].(map[string]any)
	if !ok {
		t.Fatalf("snapshot payload not nested under data: %v", snapshot)
	}
	metrics, _ := data["metrics"].(map[string]any)
	if metrics["cpuUsagePercent"] != 42.0 {
		t.Fatalf("snapshot metrics = %v, want the stored sample", metrics)
	}
}

func TestLiveFeedRequiresAuthFirst(t *testing.T) {
	f := newAPIFixture(t)

	// First frame is not auth.
	c := dialLiveFeed(t, f)
	c.send(map[string]any{"type": "subscribe", "resourceId": "srv-1", "resourceKind": "server"})
	if frame := c.read(); frame["type"] != "error" {
		t.Fatalf("pre-auth subscribe reply = %v, want error", frame)
	}
	c.conn.SetReadDeadline(time.Now().Add(time.Second))
	if err := c.conn.ReadJSON(&map[string]any{}); err == nil {
		t.Fatal("connection survived a failed auth handshake")
	}

	// Garbage token.
	c2 := dialLiveFeed(t, f)
	c2.send(map[string]any{"type": "auth", "token": "not-a-token"})
	if frame := c2.read(); frame["type"] != "error" {
		t.Fatalf("bad token reply = %v, want error", frame)
	}
}

func TestLiveFeedCloseReleasesSubscriptions(t *testing.T) {
	f := newAPIFixture(t)
	c := dialLiveFeed(t, f)
	c.auth(f.token)

	c.send(map[string]any{"type": "subscribe", "resourceId": "srv-1", "resourceKind": "server"})
	if frame := c.read(); frame["type"] != "subscribed" {
		t.Fatalf("subscribe reply = %v", frame)
	}
	topic := feed.Topic{Kind: models.KindServer, ResourceID: "srv-1"}
	waitForSubscribers(t, f.server.hub, topic, 1)

	// Dropping the connection implicitly unsubscribes everything.
	c.conn.Close()
	waitForSubscribers(t, f.server.hub, topic, 0)
}

func TestLiveFeedRejectsForeignSubscription(t *testing.T) {
	f := newAPIFixture(t)

	foreign := models.Resource{ID: "srv-foreign", AccountID: "acc-2", Kind: models.KindServer, Name: "theirs", Active: true}
	if err := f.db.Create(&foreign).Error; err != nil {
		t.Fatalf("create foreign: %v", err)
	}

	c := dialLiveFeed(t, f)
	c.auth(f.token)

	c.send(map[string]any{"type": "subscribe", "resourceId": "srv-foreign", "resourceKind": "server"})
	if frame := c.read(); frame["type"] != "error" {
		t.Fatalf("foreign subscribe reply = %v, want error", frame)
	}
	waitForSubscribers(t, f.server.hub, feed.Topic{Kind: models.KindServer, ResourceID: "srv-foreign"}, 0)
}
