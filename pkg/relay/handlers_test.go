package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/tphan267/arqut-signal/pkg/events"
	"github.com/tphan267/arqut-signal/pkg/models"
	"github.com/tphan267/arqut-signal/pkg/storage"
)

var errGone = errors.New("gone")

type sentMessage struct {
	to   string
	data []byte
}

// fakeSender records every post and fails for connections marked gone
type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	gone map[string]bool
}

func newFakeSender(gone ...string) *fakeSender {
	s := &fakeSender{gone: make(map[string]bool)}
	for _, id := range gone {
		s.gone[id] = true
	}
	return s
}

func (s *fakeSender) PostToConnection(ctx context.Context, connectionID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gone[connectionID] {
		return errGone
	}
	s.sent = append(s.sent, sentMessage{to: connectionID, data: data})
	return nil
}

func (s *fakeSender) to(id string) []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentMessage
	for _, m := range s.sent {
		if m.to == id {
			out = append(out, m)
		}
	}
	return out
}

// fakeRegistry is a map-backed registry
type fakeRegistry struct {
	ids     map[string]bool
	putErr  error
	scanErr error
	deleted []string
}

func newFakeRegistry(ids ...string) *fakeRegistry {
	r := &fakeRegistry{ids: make(map[string]bool)}
	for _, id := range ids {
		r.ids[id] = true
	}
	return r
}

func (r *fakeRegistry) Put(ctx context.Context, id string) (bool, error) {
	if r.putErr != nil {
		return false, r.putErr
	}
	if r.ids[id] {
		return false, nil
	}
	r.ids[id] = true
	return true, nil
}

func (r *fakeRegistry) ScanExcluding(ctx context.Context, excludeID, after string, limit int) (*models.ConnectionPage, error) {
	if r.scanErr != nil {
		return nil, r.scanErr
	}
	var ids []string
	for id := range r.ids {
		if id != excludeID && id > after {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	page := &models.ConnectionPage{}
	for _, id := range ids {
		page.Items = append(page.Items, &models.Connection{ConnectionID: id})
	}
	if limit > 0 && len(page.Items) > limit {
		page.Items = page.Items[:limit]
		page.Next = page.Items[limit-1].ConnectionID
	}
	return page, nil
}

func (r *fakeRegistry) Delete(ctx context.Context, id string) (bool, error) {
	r.deleted = append(r.deleted, id)
	existed := r.ids[id]
	delete(r.ids, id)
	return existed, nil
}

func request(connectionID, body string) events.Request {
	return events.Request{
		RequestContext: events.RequestContext{ConnectionID: connectionID},
		Body:           body,
	}
}

func decodeAddPeer(t *testing.T, data []byte) AddPeer {
	t.Helper()
	var msg AddPeer
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode add-peer %s: %v", data, err)
	}
	return msg
}

func TestConnectRegistersConnection(t *testing.T) {
	store, err := storage.NewSQLiteStorage(":memory:", "ConnectionIdTable", nil)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	defer store.Close()

	h := New(store.ConnectionRepo(), newFakeSender(), nil, Options{})
	ctx := context.Background()

	resp, err := h.Connect(ctx, request("A", ""))
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if resp.StatusCode != 200 || resp.Body != "" {
		t.Errorf("Expected bare 200, got %+v", resp)
	}

	if _, err := store.ConnectionRepo().Get(ctx, "A"); err != nil {
		t.Errorf("Expected A to be registered: %v", err)
	}

	// Duplicate connect still succeeds
	resp, err = h.Connect(ctx, request("A", ""))
	if err != nil || resp.StatusCode != 200 {
		t.Errorf("Expected duplicate connect to succeed, got %+v %v", resp, err)
	}
}

func TestConnectSwallowsRegistryFailure(t *testing.T) {
	registry := newFakeRegistry()
	registry.putErr = errors.New("store unavailable")
	h := New(registry, newFakeSender(), nil, Options{})

	resp, err := h.Connect(context.Background(), request("A", ""))
	if err != nil {
		t.Fatalf("Expected registry failure to be swallowed, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestAnnounceScenario(t *testing.T) {
	registry := newFakeRegistry("A", "B", "C")
	sender := newFakeSender()
	h := New(registry, sender, nil, Options{})

	resp, err := h.Announce(context.Background(), request("C", `{"action":"announce"}`))
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	toC := sender.to("C")
	if len(toC) != 2 {
		t.Fatalf("Expected 2 sends to C, got %d", len(toC))
	}
	peers := map[string]bool{}
	for _, m := range toC {
		msg := decodeAddPeer(t, m.data)
		if msg.Event != EventAddPeer {
			t.Errorf("Expected event add-peer, got %s", msg.Event)
		}
		if !msg.Polite {
			t.Errorf("Expected polite=true in message to newcomer, got %s", m.data)
		}
		if msg.Peer == "C" {
			t.Error("Newcomer must not be told about itself")
		}
		peers[msg.Peer] = true
	}
	if !peers["A"] || !peers["B"] {
		t.Errorf("Expected C to learn about A and B, got %v", peers)
	}

	for _, id := range []string{"A", "B"} {
		msgs := sender.to(id)
		if len(msgs) != 1 {
			t.Fatalf("Expected 1 send to %s, got %d", id, len(msgs))
		}
		msg := decodeAddPeer(t, msgs[0].data)
		if msg.Peer != "C" || msg.Polite {
			t.Errorf("Expected {peer: C, polite: false} to %s, got %s", id, msgs[0].data)
		}
	}
}

func TestAnnounceWireFormat(t *testing.T) {
	sender := newFakeSender()
	h := New(newFakeRegistry("A", "B"), sender, nil, Options{})

	if _, err := h.Announce(context.Background(), request("B", "")); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if len(sender.sent) != 2 {
		t.Fatalf("Expected 2 sends, got %d", len(sender.sent))
	}
	// incumbent first, then newcomer
	if sender.sent[0].to != "A" || string(sender.sent[0].data) != `{"event":"add-peer","peer":"B","polite":false}` {
		t.Errorf("Unexpected first send: %s %s", sender.sent[0].to, sender.sent[0].data)
	}
	if sender.sent[1].to != "B" || string(sender.sent[1].data) != `{"event":"add-peer","peer":"A","polite":true}` {
		t.Errorf("Unexpected second send: %s %s", sender.sent[1].to, sender.sent[1].data)
	}
}

func TestAnnounceFanOutCounts(t *testing.T) {
	ids := []string{"p1", "p2", "p3", "p4", "p5", "src"}
	sender := newFakeSender()
	h := New(newFakeRegistry(ids...), sender, nil, Options{})

	if _, err := h.Announce(context.Background(), request("src", "")); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	k := len(ids) - 1
	if got := len(sender.to("src")); got != k {
		t.Errorf("Expected %d sends to src, got %d", k, got)
	}
	others := len(sender.sent) - len(sender.to("src"))
	if others != k {
		t.Errorf("Expected %d sends to other peers, got %d", k, others)
	}
	for _, m := range sender.sent {
		msg := decodeAddPeer(t, m.data)
		if m.to == "src" && !msg.Polite {
			t.Errorf("Message describing %s to src must be polite", msg.Peer)
		}
		if m.to != "src" && (msg.Polite || msg.Peer != "src") {
			t.Errorf("Message to %s must describe src impolitely, got %s", m.to, m.data)
		}
	}
}

func TestAnnounceAlone(t *testing.T) {
	sender := newFakeSender()
	h := New(newFakeRegistry("solo"), sender, nil, Options{})

	resp, err := h.Announce(context.Background(), request("solo", ""))
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if len(sender.sent) != 0 {
		t.Errorf("Expected no sends, got %d", len(sender.sent))
	}
}

func TestAnnounceContinuesPastFailedSend(t *testing.T) {
	sender := newFakeSender("B")
	h := New(newFakeRegistry("A", "B", "C", "D"), sender, nil, Options{})

	resp, err := h.Announce(context.Background(), request("D", ""))
	if err != nil {
		t.Fatalf("Expected announce to succeed despite a dead peer, got %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	if len(sender.to("A")) != 1 || len(sender.to("C")) != 1 {
		t.Errorf("Expected live peers A and C to be notified")
	}
	// D still learns about all three, including the dead one
	if got := len(sender.to("D")); got != 3 {
		t.Errorf("Expected 3 sends to D, got %d", got)
	}
}

func TestAnnounceFirstPageOnly(t *testing.T) {
	sender := newFakeSender()
	h := New(newFakeRegistry("a", "b", "c", "d", "z"), sender, nil, Options{ScanPageSize: 2})

	if _, err := h.Announce(context.Background(), request("z", "")); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if got := len(sender.to("z")); got != 2 {
		t.Errorf("Expected only the first page (2 peers) to be announced, got %d", got)
	}
	if len(sender.to("c")) != 0 || len(sender.to("d")) != 0 {
		t.Error("Expected peers past the first page not to be notified")
	}
}

func TestAnnounceScanFailure(t *testing.T) {
	registry := newFakeRegistry()
	registry.scanErr = errors.New("scan failed")
	h := New(registry, newFakeSender(), nil, Options{})

	if _, err := h.Announce(context.Background(), request("A", "")); err == nil {
		t.Error("Expected scan failure to fail the invocation")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	sender := newFakeSender()
	h := New(newFakeRegistry(), sender, nil, Options{})

	body := `{"action":"message","event":"offer","data":{"type":"offer","sdp":"v=0"},"connectionId":"B"}`
	resp, err := h.Message(context.Background(), request("A", body))
	if err != nil {
		t.Fatalf("Message failed: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("Expected exactly one send, got %d", len(sender.sent))
	}
	if sender.sent[0].to != "B" {
		t.Errorf("Expected send to B, got %s", sender.sent[0].to)
	}
	want := `{"peer":"A","event":"offer","data":{"type":"offer","sdp":"v=0"}}`
	if string(sender.sent[0].data) != want {
		t.Errorf("Expected payload %s, got %s", want, sender.sent[0].data)
	}
}

func TestMessagePeerNotSpoofable(t *testing.T) {
	sender := newFakeSender()
	h := New(newFakeRegistry(), sender, nil, Options{})

	body := `{"event":"candidate","data":null,"connectionId":"B","peer":"MALLORY"}`
	if _, err := h.Message(context.Background(), request("A", body)); err != nil {
		t.Fatalf("Message failed: %v", err)
	}

	var got Relayed
	if err := json.Unmarshal(sender.sent[0].data, &got); err != nil {
		t.Fatalf("Failed to decode relayed payload: %v", err)
	}
	if got.Peer != "A" {
		t.Errorf("Expected peer A from the invocation context, got %s", got.Peer)
	}
	if string(got.Data) != "null" {
		t.Errorf("Expected null data to be relayed verbatim, got %s", got.Data)
	}
}

func TestMessageMalformed(t *testing.T) {
	cases := map[string]string{
		"missing connectionId": `{"event":"offer","data":{}}`,
		"missing event":        `{"data":{},"connectionId":"B"}`,
		"missing data":         `{"event":"offer","connectionId":"B"}`,
		"empty connectionId":   `{"event":"offer","data":{},"connectionId":""}`,
		"not json":             `offer`,
		"empty body":           ``,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			sender := newFakeSender()
			h := New(newFakeRegistry(), sender, nil, Options{})

			_, err := h.Message(context.Background(), request("A", body))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("Expected ErrMalformedMessage, got %v", err)
			}
			if len(sender.sent) != 0 {
				t.Errorf("Expected no send attempt, got %d", len(sender.sent))
			}
		})
	}
}

func TestMessageSendFailurePropagates(t *testing.T) {
	h := New(newFakeRegistry(), newFakeSender("B"), nil, Options{})

	_, err := h.Message(context.Background(), request("A", `{"event":"offer","data":1,"connectionId":"B"}`))
	if !errors.Is(err, errGone) {
		t.Errorf("Expected send failure to propagate, got %v", err)
	}
}

func TestDisconnect(t *testing.T) {
	registry := newFakeRegistry("A")

	h := New(registry, newFakeSender(), nil, Options{})
	if resp, err := h.Disconnect(context.Background(), request("A", "")); err != nil || resp.StatusCode != 200 {
		t.Fatalf("Expected disconnect to succeed, got %+v %v", resp, err)
	}
	if !registry.ids["A"] {
		t.Error("Expected A to stay registered without cleanup")
	}

	h = New(registry, newFakeSender(), nil, Options{CleanupOnDisconnect: true})
	if _, err := h.Disconnect(context.Background(), request("A", "")); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if registry.ids["A"] {
		t.Error("Expected A to be removed with cleanup enabled")
	}
}

func TestRoutes(t *testing.T) {
	h := New(newFakeRegistry(), newFakeSender(), nil, Options{})
	routes := h.Routes()
	for _, key := range []string{events.RouteConnect, events.RouteDisconnect, events.RouteAnnounce, events.RouteMessage} {
		if routes[key] == nil {
			t.Errorf("Expected route %s to be registered", key)
		}
	}
}
