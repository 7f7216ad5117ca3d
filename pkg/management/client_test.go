package management

import (
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tphan267/arqut-signal/api"
	"github.com/tphan267/arqut-signal/pkg/events"
	"github.com/tphan267/arqut-signal/pkg/gateway"
	"github.com/tphan267/arqut-signal/pkg/storage"
)

type testEnv struct {
	client *Client
	hub    *gateway.Hub
	wsURL  string
	ids    chan string
}

// setupTestEnv runs a gateway and its management API on loopback listeners
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		hub: gateway.NewHub(nil),
		ids: make(chan string, 4),
	}

	routes := map[string]events.Handler{
		events.RouteConnect: func(ctx context.Context, req events.Request) (events.Response, error) {
			env.ids <- req.RequestContext.ConnectionID
			return events.OK(), nil
		},
	}
	ws := httptest.NewServer(gateway.NewServer(env.hub, routes, gateway.Options{Stage: "dev"}, nil))
	env.wsURL = "ws" + strings.TrimPrefix(ws.URL, "http") + "/dev"

	store, err := storage.NewSQLiteStorage(":memory:", "connections", nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}

	srv := api.New("dev", env.hub, store.ConnectionRepo(), nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	go func() { _ = srv.App().Listener(ln) }()

	env.client, err = New("http://"+ln.Addr().String()+"/dev/", time.Second, nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	t.Cleanup(func() {
		env.hub.CloseAll()
		ws.Close()
		_ = srv.Shutdown(context.Background())
		store.Close()
	})
	return env
}

func (env *testEnv) connect(t *testing.T) (*websocket.Conn, string) {
	t.Helper()

	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial gateway: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	select {
	case id := <-env.ids:
		return conn, id
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for connection id")
	}
	return nil, ""
}

func TestNewValidatesEndpoint(t *testing.T) {
	for _, endpoint := range []string{"", "ws://host/dev", "://bad"} {
		if _, err := New(endpoint, 0, nil); err == nil {
			t.Errorf("Expected error for endpoint %q", endpoint)
		}
	}

	c, err := New("https://abc.execute-api.example.com/dev/", 0, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if c.Endpoint() != "https://abc.execute-api.example.com/dev" {
		t.Errorf("Expected trailing slash to be trimmed, got %s", c.Endpoint())
	}
	if got := c.connectionURL("a/b="); got != "https://abc.execute-api.example.com/dev/@connections/a%2Fb=" {
		t.Errorf("Unexpected connection url %s", got)
	}
}

func TestPostToConnection(t *testing.T) {
	env := setupTestEnv(t)
	conn, id := env.connect(t)

	payload := `{"peer":"xyz","event":"offer","data":{"sdp":"v=0"}}`
	if err := env.client.PostToConnection(context.Background(), id, []byte(payload)); err != nil {
		t.Fatalf("PostToConnection failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read frame: %v", err)
	}
	if string(data) != payload {
		t.Errorf("Expected %s, got %s", payload, data)
	}
}

func TestPostToConnectionGone(t *testing.T) {
	env := setupTestEnv(t)

	err := env.client.PostToConnection(context.Background(), "missing", []byte(`{}`))
	if !errors.Is(err, ErrGone) {
		t.Fatalf("Expected ErrGone, got %v", err)
	}
	if !errors.Is(err, gateway.ErrGone) {
		t.Errorf("Expected management ErrGone to match the gateway sentinel")
	}
}

func TestGetAndDeleteConnection(t *testing.T) {
	env := setupTestEnv(t)
	conn, id := env.connect(t)

	info, err := env.client.GetConnection(context.Background(), id)
	if err != nil {
		t.Fatalf("GetConnection failed: %v", err)
	}
	if info.ConnectionID != id || info.ConnectedAt.IsZero() || info.SourceIP == "" {
		t.Errorf("Unexpected connection info: %+v", info)
	}

	if err := env.client.DeleteConnection(context.Background(), id); err != nil {
		t.Fatalf("DeleteConnection failed: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected socket to be closed after delete")
	}

	if _, err := env.client.GetConnection(context.Background(), "missing"); !errors.Is(err, ErrGone) {
		t.Errorf("Expected ErrGone for unknown id, got %v", err)
	}
}

func TestCancelledContext(t *testing.T) {
	c, err := New("http://127.0.0.1:1/dev", time.Second, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.PostToConnection(ctx, "abc", []byte(`{}`)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
