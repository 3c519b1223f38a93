package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ssoforge/idcore/storage"
	"github.com/ssoforge/idcore/storage/memory"
)

func TestInstrument_RecordsRequestCount(t *testing.T) {
	reg := NewRegistry()
	handler := reg.Instrument("test_handler", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/anything", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(reg.requestCounter.WithLabelValues("418", "get", "test_handler")))
}

func TestHandler_ExposesRegisteredCollectors(t *testing.T) {
	reg := NewRegistry()
	// A labelled vector is exposed once it holds a series, so one
	// instrumented request is served before scraping.
	reg.Instrument("test_handler", http.NotFoundHandler())(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/anything", nil))
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "idcore_http_requests_total")
	require.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestAuditAccumulator_PollAddsCountsPastWatermark(t *testing.T) {
	store := memory.New(logrus.StandardLogger())
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	acc := NewAuditAccumulator(NewRegistry(), store, "", logrus.StandardLogger())

	_, err := store.CreateAudit(ctx, storage.AuditEntry{
		ID:         storage.NewID(),
		CreatedAt:  time.Now().UTC().Add(time.Millisecond),
		Type:       "AuthLocalLogin",
		StatusCode: 200,
	})
	require.NoError(t, err)

	acc.Poll(ctx)
	require.Equal(t, float64(1), testutil.ToFloat64(acc.reg.auditCounter.WithLabelValues("AuthLocalLogin", "200")))

	acc.Poll(ctx)
	require.Equal(t, float64(1), testutil.ToFloat64(acc.reg.auditCounter.WithLabelValues("AuthLocalLogin", "200")),
		"a second poll with no new entries must not double count")
}
