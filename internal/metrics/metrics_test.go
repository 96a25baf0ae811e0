package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestNewIsIndependent(t *testing.T) {
	a := New("")
	b := New("")

	a.SessionsCreated.Inc()
	if !strings.Contains(scrape(t, a), "teebridge_sessions_created_total 1") {
		t.Error("a did not count the session")
	}
	if !strings.Contains(scrape(t, b), "teebridge_sessions_created_total 0") {
		t.Error("registries must not share state")
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New("teebridge")
	m.ChunksForwarded.WithLabelValues(DirToServer).Add(3)
	m.ChatMessages.WithLabelValues("say").Inc()

	body := scrape(t, m)
	for _, want := range []string{
		`teebridge_chunks_forwarded_total{direction="to_server"} 3`,
		`teebridge_chat_messages_total{kind="say"} 1`,
		"teebridge_sessions_active 0",
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}
