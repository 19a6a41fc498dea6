package observability

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/danmuck/livemirror/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(proposals.WithLabelValues("accepted"))
	RecordProposals("accepted", 2)
	RecordProposals("accepted", 0)
	if got := testutil.ToFloat64(proposals.WithLabelValues("accepted")); got != before+2 {
		t.Fatalf("accepted proposals got=%v want=%v", got, before+2)
	}

	RecordPass("idle")
	RecordSent("notify", 3)
	RecordDropped("malformed")
	RecordInboxFile("consumed")
	SetConnectedPeers(4)
	SetEntries(2)
	if got := testutil.ToFloat64(connectedPeers); got != 4 {
		t.Fatalf("connected peers got=%v", got)
	}
}

func TestHandlerExposesNamespace(t *testing.T) {
	testlog.Start(t)
	SetEntries(1)
	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	if !strings.Contains(string(body), "livemirror_session_entries") {
		t.Fatalf("metrics output missing entries gauge")
	}
}
