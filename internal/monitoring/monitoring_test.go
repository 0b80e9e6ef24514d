package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/tagging-cli/internal/backup"
	"github.com/sells-group/tagging-cli/internal/config"
)

func fastAlerter(url string) *Alerter {
	a := NewAlerter(config.MonitoringConfig{WebhookURL: url})
	a.retry.InitialBackoff = time.Millisecond
	a.retry.MaxBackoff = 5 * time.Millisecond
	return a
}

func TestRecoveryAlert(t *testing.T) {
	assert.Nil(t, RecoveryAlert(nil))
	assert.Nil(t, RecoveryAlert(&backup.Recovery{Restored: false}))

	alert := RecoveryAlert(&backup.Recovery{
		Restored:    true,
		CurrentRows: 5,
		BestRows:    40,
		BestPath:    "backups/tagged_data_20260314_091000.csv",
		Scanned:     3,
	})
	require.NotNil(t, alert)
	assert.Equal(t, AlertAutoRecovery, alert.Type)
	assert.Contains(t, alert.Message, "regressed to 5 rows; restored 40 rows")
	assert.Equal(t, 40, alert.Details["restored_rows"])
}

func TestRejectionAlert(t *testing.T) {
	alert := RejectionAlert("ana", "a.jpg", "below_floor", errors.New("floor"))
	assert.Equal(t, AlertSaveRejected, alert.Type)
	assert.Equal(t, "Save of a.jpg by ana rejected (below_floor)", alert.Message)
	assert.Equal(t, "floor", alert.Details["error"])
}

func TestSendAlerts_Webhook(t *testing.T) {
	var got []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var a Alert
		require.NoError(t, json.Unmarshal(body, &a))
		got = append(got, a)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sent := fastAlerter(srv.URL).SendAlerts(context.Background(),
		RejectionAlert("ana", "a.jpg", "locked", nil),
		nil,
		RecoveryAlert(&backup.Recovery{Restored: true, CurrentRows: 1, BestRows: 60}),
	)
	assert.Equal(t, 2, sent)
	require.Len(t, got, 2)
	assert.Equal(t, AlertSaveRejected, got[0].Type)
	assert.Equal(t, AlertAutoRecovery, got[1].Type)
}

func TestSendAlerts_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sent := fastAlerter(srv.URL).SendAlerts(context.Background(), RejectionAlert("ana", "a.jpg", "locked", nil))
	assert.Equal(t, 1, sent)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSendAlerts_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sent := fastAlerter(srv.URL).SendAlerts(context.Background(), RejectionAlert("ana", "a.jpg", "locked", nil))
	assert.Equal(t, 0, sent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendAlerts_NoWebhook(t *testing.T) {
	assert.Equal(t, 0, NewAlerter(config.MonitoringConfig{}).SendAlerts(context.Background(),
		RejectionAlert("ana", "a.jpg", "locked", nil)))

	var nilAlerter *Alerter
	assert.Equal(t, 0, nilAlerter.SendAlerts(context.Background(), RejectionAlert("a", "b", "c", nil)))
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()
	m.ObserveSave("ana", 11, 20*time.Millisecond)
	m.ObserveSave("ana", 12, 10*time.Millisecond)
	m.ObserveRejected("below_floor")
	m.ObserveRecovery(40)
	m.SetCatalogRecords(500)
	m.SetActiveSessions(2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.SavesTotal.WithLabelValues("ana")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SaveRejectedTotal.WithLabelValues("below_floor")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.TaggedRows))
	assert.Equal(t, 500.0, testutil.ToFloat64(m.CatalogRecords))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ActiveSessions))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tagger_saves_total"))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSave("ana", 1, time.Millisecond)
	m.ObserveRejected("x")
	m.ObserveRecovery(1)
	m.SetCatalogRecords(1)
	m.SetActiveSessions(1)
	assert.Nil(t, m.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChecker_RunsTasksAndStops(t *testing.T) {
	var runs atomic.Int32
	checker := NewChecker(10*time.Millisecond,
		Task{Name: "count", Run: func(context.Context) error { runs.Add(1); return nil }},
		Task{Name: "fail", Run: func(context.Context) error { return errors.New("boom") }},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestChecker_DefaultInterval(t *testing.T) {
	assert.Equal(t, 5*time.Minute, NewChecker(0).interval)
}
