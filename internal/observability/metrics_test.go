package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/bluesync/internal/testutil/testlog"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("host-a", "GET", "/healthz", 200, 12*time.Millisecond)
	RecordHandshake("responder", true, 300*time.Millisecond)
	RecordHandshake("responder", false, 0)
	RecordRequest("DataRequest", "ok", 5*time.Millisecond)
	RecordFrameError("decode")
	AddPendingRequests(1)
	AddPendingRequests(-1)

	testlog.Logf("observability/metrics: registration idempotent and recording paths executed")
}

func TestRecordChunkCountsBytes(t *testing.T) {
	testlog.Start(t)
	beforeChunks := counterValue(t, linkChunks.WithLabelValues(DirectionOut))
	beforeBytes := counterValue(t, linkBytes.WithLabelValues(DirectionOut))

	RecordChunk(DirectionOut, 20)
	RecordChunk(DirectionOut, 5)

	if got := counterValue(t, linkChunks.WithLabelValues(DirectionOut)) - beforeChunks; got != 2 {
		t.Fatalf("chunks delta got=%v want=2", got)
	}
	if got := counterValue(t, linkBytes.WithLabelValues(DirectionOut)) - beforeBytes; got != 25 {
		t.Fatalf("bytes delta got=%v want=25", got)
	}
}

func TestRecordWriteAbortSplitsReason(t *testing.T) {
	testlog.Start(t)
	before := counterValue(t, writeAborts.WithLabelValues("timeout"))
	RecordWriteAbort(true)
	RecordWriteAbort(false)
	if got := counterValue(t, writeAborts.WithLabelValues("timeout")) - before; got != 1 {
		t.Fatalf("timeout aborts delta got=%v want=1", got)
	}
}

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	testlog.Start(t)
	r := chi.NewRouter()
	r.Use(RequestLogger(zerolog.Nop()))
	r.Use(RequestMetricsMiddleware("host-a"))
	r.Get("/links/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	before := counterValue(t, httpRequests.WithLabelValues("host-a", "GET", "/links/{id}", "418"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/links/abc", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status got=%d", rec.Code)
	}
	if got := counterValue(t, httpRequests.WithLabelValues("host-a", "GET", "/links/{id}", "418")) - before; got != 1 {
		t.Fatalf("http request delta got=%v want=1", got)
	}
}

func TestSpanHelpersWithNoopProvider(t *testing.T) {
	testlog.Start(t)
	_, span := StartSpan(context.Background(), "handshake", "link-1", "initiator")
	EndSpan(span, errors.New("boom"))
	EndSpan(nil, nil)
}
