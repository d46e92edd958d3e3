package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/hmis/billing/internal/platform/db"
)

func newClient(id, tenant string, topics ...string) *Client {
	return &Client{ID: id, Tenant: tenant, Topics: topics, Send: make(chan []byte, 4)}
}

func receive(t *testing.T, c *Client) Event {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return ev
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.ID)
	}
	return Event{}
}

func expectSilence(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not receive %s", c.ID, msg)
	default:
	}
}

func TestHub_RegisterAndUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c1", "t1", "billing")
	hub.Register(c)
	if hub.ClientCount() != 1 || hub.TopicCount("t1", "billing") != 1 {
		t.Fatalf("clients=%d topic=%d", hub.ClientCount(), hub.TopicCount("t1", "billing"))
	}

	hub.Unregister(c)
	hub.Unregister(c)
	if hub.ClientCount() != 0 || hub.TopicCount("t1", "billing") != 0 {
		t.Fatal("client still registered")
	}
	if _, ok := <-c.Send; ok {
		t.Error("Send should be closed")
	}
}

func TestHub_BroadcastIsTenantScoped(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	mine := newClient("a", "mulago", "billing")
	other := newClient("b", "nsambya", "billing")
	offTopic := newClient("c", "mulago", "invoices/1")
	hub.Register(mine)
	hub.Register(other)
	hub.Register(offTopic)

	hub.Broadcast("mulago", "billing", Event{Type: "payment.applied", ResourceID: "1"})

	ev := receive(t, mine)
	if ev.Type != "payment.applied" || ev.Topic != "billing" {
		t.Errorf("unexpected event: %+v", ev)
	}
	expectSilence(t, other)
	expectSilence(t, offTopic)
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := newClient("c", "t")
	hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Topics: []string{"invoices/1", "patients/9", "invoices/1"}})
	if len(c.Topics) != 2 || hub.TopicCount("t", "invoices/1") != 1 {
		t.Fatalf("topics = %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Topics: []string{"invoices/1"}})
	if len(c.Topics) != 1 || c.Topics[0] != "patients/9" || hub.TopicCount("t", "invoices/1") != 0 {
		t.Errorf("topics = %v", c.Topics)
	}

	hub.ProcessMessage(c, ClientMessage{Action: "shout", Topics: []string{"x"}})
	if len(c.Topics) != 1 {
		t.Error("unknown action must be ignored")
	}
}

func TestHub_FullBufferDropsEvent(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	c := &Client{ID: "slow", Tenant: "t", Topics: []string{"billing"}, Send: make(chan []byte, 1)}
	hub.Register(c)
	hub.Broadcast("t", "billing", Event{Type: "one"})
	hub.Broadcast("t", "billing", Event{Type: "two"})
	if ev := receive(t, c); ev.Type != "one" {
		t.Errorf("got %s", ev.Type)
	}
	expectSilence(t, c)
}

func TestHub_ConcurrentRegisterBroadcast(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("c", "t", "billing")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			hub.Broadcast("t", "billing", Event{Type: "x"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestPublisher_PublishTo(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	inv := newClient("inv", "t", "invoices/42")
	all := newClient("all", "t", "billing")
	hub.Register(inv)
	hub.Register(all)

	at := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	err := Publisher{Hub: hub}.PublishTo(context.Background(), "t", []string{"billing", "invoices/42"}, "invoice.settled", "42", at, map[string]string{"status": "paid"})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range []*Client{inv, all} {
		ev := receive(t, c)
		var data map[string]string
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatal(err)
		}
		if ev.Type != "invoice.settled" || ev.ResourceID != "42" || !ev.Timestamp.Equal(at) || data["status"] != "paid" {
			t.Errorf("unexpected event on %s: %+v", c.ID, ev)
		}
	}
}

func TestParseTopics(t *testing.T) {
	got := parseTopics(" billing, ,invoices/1,billing")
	if len(got) != 2 || got[0] != "billing" || got[1] != "invoices/1" {
		t.Errorf("parseTopics() = %v", got)
	}
	if parseTopics("") != nil {
		t.Error("expected nil for empty input")
	}
}

func TestHandler_RequiresUpgrade(t *testing.T) {
	h := NewHandler(NewHub(zerolog.Nop()))
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ws", nil), rec)
	if err := h.HandleConnect(c); err == nil && rec.Code < 400 {
		t.Errorf("plain GET should not upgrade, got %d", rec.Code)
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	h := NewHandler(hub)

	e := echo.New()
	g := e.Group("", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(db.WithTenant(c.Request().Context(), "mulago")))
			return next(c)
		}
	})
	h.RegisterRoutes(g)

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?topics=billing"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	waitFor(t, func() bool { return hub.TopicCount("mulago", "billing") == 1 })

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"invoices/7"}}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return hub.TopicCount("mulago", "invoices/7") == 1 })

	hub.Broadcast("nsambya", "invoices/7", Event{Type: "leak"})
	hub.Broadcast("mulago", "invoices/7", Event{Type: "payment.applied", ResourceID: "7"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Type != "payment.applied" || got.Topic != "invoices/7" {
		t.Errorf("unexpected event: %+v", got)
	}

	conn.Close()
	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
