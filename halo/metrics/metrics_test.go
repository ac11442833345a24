package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandler_ExposesCounters(t *testing.T) {
	m := New()
	m.PostCreated("free", "live")
	m.PostRejected("signature")
	m.RateLimited()
	m.CharterRefresh("updated")
	m.SetQueueDepth(3)

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		`halo_posts_created_total{live_flag="live",post_type="free"} 1`,
		`halo_posts_rejected_total{reason="signature"} 1`,
		`halo_rate_limited_total 1`,
		`halo_batch_queue_depth 3`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	m.PostCreated("free", "live")
	m.BatchSealed()
	m.ObserveRequest("GET /api/health", "200", 0.1)
	if m.Handler() == nil {
		t.Fatalf("expected handler")
	}
}
