package notify

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	midsec "ShiftChat/middleware/security"
	jwtsec "ShiftChat/tools/security"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var sseSecret = []byte("sse-test-secret-0123456789abcdef")

func newSSEServer(t *testing.T, conf Conf) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	h := NewHub(conf, zap.NewNop())
	r := gin.New()
	r.GET("/sse/notifications", midsec.Middleware(midsec.DefaultOptions(sseSecret)), h.HandleSSE)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		h.CloseAll()
		ts.Close()
	})
	return h, ts
}

type sseReader struct {
	resp  *http.Response
	lines chan string
}

func openStream(t *testing.T, ts *httptest.Server, user string) *sseReader {
	t.Helper()
	tok, err := jwtsec.Issue(jwtsec.DefaultOptions(sseSecret), user, "")
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get(ts.URL + "/sse/notifications?token=" + tok)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content-type %q", ct)
	}
	r := &sseReader{resp: resp, lines: make(chan string, 64)}
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
	}()
	t.Cleanup(func() { resp.Body.Close() })
	return r
}

// next returns the next data payload, skipping event names and blank lines.
// A heartbeat comment is returned as-is.
func (r *sseReader) next(t *testing.T) string {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-r.lines:
			if !ok {
				return ""
			}
			switch {
			case strings.HasPrefix(line, "data:"):
				return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			case strings.HasPrefix(line, ":"):
				return line
			}
		case <-timeout:
			t.Fatal("no sse data in time")
			return ""
		}
	}
}

func (r *sseReader) nextEvent(t *testing.T) Event {
	t.Helper()
	var ev Event
	raw := r.next(t)
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("bad event %q: %v", raw, err)
	}
	return ev
}

func TestHandleSSE_RejectsUnauthenticated(t *testing.T) {
	h, ts := newSSEServer(t, Conf{})
	resp, err := http.Get(ts.URL + "/sse/notifications")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status %d", resp.StatusCode)
	}
	if h.Count() != 0 {
		t.Error("stream opened without identity")
	}
}

func TestHandleSSE_PushReachesStream(t *testing.T) {
	h, ts := newSSEServer(t, Conf{})
	r := openStream(t, ts, "worker-7")

	if ev := r.nextEvent(t); ev.Type != TypeConnection {
		t.Fatalf("first event %+v", ev)
	}
	if !h.Online("worker-7") {
		t.Fatal("stream not registered")
	}
	if !h.Push("worker-7", Event{Type: TypeNotification, Data: map[string]string{"title": "shift confirmed"}}) {
		t.Fatal("push failed")
	}
	ev := r.nextEvent(t)
	data, _ := ev.Data.(map[string]any)
	if ev.Type != TypeNotification || data["title"] != "shift confirmed" {
		t.Errorf("event %+v", ev)
	}
}

func TestHandleSSE_Heartbeat(t *testing.T) {
	_, ts := newSSEServer(t, Conf{Heartbeat: 20 * time.Millisecond})
	r := openStream(t, ts, "owner-1")
	r.nextEvent(t)
	if got := r.next(t); got != ": ping" {
		t.Errorf("want heartbeat comment, got %q", got)
	}
}

func TestHandleSSE_NewStreamEndsOld(t *testing.T) {
	h, ts := newSSEServer(t, Conf{})
	first := openStream(t, ts, "worker-7")
	first.nextEvent(t)
	second := openStream(t, ts, "worker-7")
	second.nextEvent(t)

	// 旧响应结束
	deadline := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case _, ok := <-first.lines:
			done = !ok
		case <-deadline:
			t.Fatal("old stream still open")
		}
	}
	if h.Count() != 1 {
		t.Errorf("count %d", h.Count())
	}
	h.Push("worker-7", Event{Type: TypeNotification})
	if ev := second.nextEvent(t); ev.Type != TypeNotification {
		t.Errorf("event %+v", ev)
	}
}
