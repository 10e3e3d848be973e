package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareLabelsByCode(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200"))
	goneBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "410"))

	for _, path := range []string{"/status", "/gone", "/gone"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Equal(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "200")))
	require.Equal(t, goneBefore+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "410")))
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestRouteOfWithoutRouter(t *testing.T) {
	require.Equal(t, "unmatched", routeOf(httptest.NewRequest(http.MethodGet, "/x", nil)))
}
