package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMiddlewareLabelsByRoute(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/resources", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	r.Post("/action", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	before := map[string]float64{
		"resources": testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/resources", "200")),
		"action":    testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/action", "400")),
		"unmatched": testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")),
	}

	requests := []*http.Request{
		httptest.NewRequest(http.MethodGet, "/resources", nil),
		httptest.NewRequest(http.MethodGet, "/resources", nil),
		httptest.NewRequest(http.MethodPost, "/action", nil),
		httptest.NewRequest(http.MethodGet, "/no/such/path", nil),
	}
	for _, req := range requests {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	assert.Equal(t, before["resources"]+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/resources", "200")))
	assert.Equal(t, before["action"]+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("POST", "/action", "400")))
	assert.Equal(t, before["unmatched"]+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", unmatchedRoute, "404")))
	assert.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
