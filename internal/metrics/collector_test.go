package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/duet/backend/internal/fault"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/protocol"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/duet/backend/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ notes.PersistenceRecorder = (*Collector)(nil)
	_ realtime.DeliveryRecorder = (*Collector)(nil)
	_ session.Recorder          = (*Collector)(nil)
)

func TestCollectorCountsDomainEvents(t *testing.T) {
	collector := NewCollector("duet")

	collector.RecordMessage(protocol.TypeContentUpdate, "")
	collector.RecordMessage(protocol.TypeContentUpdate, fault.KindForbidden)
	collector.RecordDelivery(protocol.TypeContentUpdated, nil)
	collector.RecordDelivery(protocol.TypeContentUpdated, realtime.ErrSlowConsumer)
	collector.RecordLockReleased(session.ReleaseDisconnect)
	collector.RecordPersist(nil)
	collector.RecordPersist(errors.New("locked"))
	collector.RecordBreakerState("notes-journal", true)

	if got := testutil.ToFloat64(collector.Messages.WithLabelValues("CONTENT_UPDATE", "forbidden")); got != 1 {
		t.Fatalf("expected one forbidden message, got %v", got)
	}
	if got := testutil.ToFloat64(collector.Messages.WithLabelValues("CONTENT_UPDATE", "ok")); got != 1 {
		t.Fatalf("expected one accepted message, got %v", got)
	}
	if got := testutil.ToFloat64(collector.Deliveries.WithLabelValues("CONTENT_UPDATED", "failed")); got != 1 {
		t.Fatalf("expected one failed delivery, got %v", got)
	}
	if got := testutil.ToFloat64(collector.LockReleases.WithLabelValues("disconnect")); got != 1 {
		t.Fatalf("expected one disconnect release, got %v", got)
	}
	if got := testutil.ToFloat64(collector.JournalWrites.WithLabelValues("failed")); got != 1 {
		t.Fatalf("expected one failed journal write, got %v", got)
	}
	if got := testutil.ToFloat64(collector.JournalBreakers.WithLabelValues("notes-journal")); got != 1 {
		t.Fatalf("expected breaker gauge to be open, got %v", got)
	}
}

func TestCollectorsAreIndependent(t *testing.T) {
	first := NewCollector("duet")
	second := NewCollector("duet")
	first.RecordLockReleased(session.ReleaseIdle)
	if got := testutil.ToFloat64(second.LockReleases.WithLabelValues("idle")); got != 0 {
		t.Fatalf("expected separate registries, got %v", got)
	}
}

func TestMiddlewareRecordsRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	collector := NewCollector("duet")
	collector.TrackGauge("duet_test_connections", "connections", func() float64 { return 3 })
	router := gin.New()
	router.Use(collector.Middleware())
	router.GET("/healthz", func(ginContext *gin.Context) {
		ginContext.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if got := testutil.ToFloat64(collector.HTTPRequests.WithLabelValues(http.MethodGet, "/healthz", "204")); got != 1 {
		t.Fatalf("expected one request recorded, got %v", got)
	}
	count, err := testutil.GatherAndCount(collector.Registry(), "duet_test_connections")
	if err != nil || count != 1 {
		t.Fatalf("expected connection gauge to be gathered, count=%d err=%v", count, err)
	}
}
