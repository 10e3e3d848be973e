package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

func TestFetchReturnsBodyAndForwardsHeaders(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Echo", r.Header.Get("X-Test"))
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{UserAgent: "catalog-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL + "/marketplace/a",
		Headers: http.Header{"X-Test": {"v"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "<html>ok</html>", string(resp.Body))
	require.Equal(t, "v", resp.Headers.Get("X-Echo"))
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("again"))
	}))
	t.Cleanup(srv.Close)

	f := New(Config{Timeout: time.Second})
	req := crawler.FetchRequest{URL: srv.URL}
	_, err := f.Fetch(context.Background(), req)
	require.NoError(t, err)
	_, err = f.Fetch(context.Background(), req)
	require.NoError(t, err)
}

func TestFetchClassifiesStatusErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		status    int
		permanent bool
	}{
		{name: "not found", status: http.StatusNotFound, permanent: true},
		{name: "too many requests", status: http.StatusTooManyRequests, permanent: false},
		{name: "server error", status: http.StatusBadGateway, permanent: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
			}))
			t.Cleanup(srv.Close)

			f := New(Config{Timeout: time.Second})
			_, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
			require.Error(t, err)
			require.Equal(t, tc.permanent, errors.Is(err, crawler.ErrPermanent))
		})
	}
}

func TestFetchHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestVisitHooks(t *testing.T) {
	t.Parallel()

	hooks := &stubHooks{}
	v := &visit{req: crawler.FetchRequest{URL: "https://example.com", Headers: http.Header{"X-Test": {"1"}}}, began: time.Now()}
	v.attach(hooks)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "1", collyReq.Headers.Get("X-Test"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	resp, err := v.result(nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "body", string(resp.Body))
	require.Equal(t, "ok", resp.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusGone}, errors.New("boom"))
	_, err = v.result(nil)
	require.ErrorIs(t, err, crawler.ErrPermanent)
	require.Equal(t, http.StatusGone, v.status)
}

func TestNewDefaultsTimeout(t *testing.T) {
	t.Parallel()

	require.Equal(t, defaultTimeout, New(Config{}).cfg.Timeout)
}

func TestCopyHeadersHandlesNil(t *testing.T) {
	t.Parallel()

	collyReq := &colly.Request{Headers: &http.Header{}}
	copyHeaders(crawler.FetchRequest{}, collyReq)
	require.Empty(t, *collyReq.Headers)
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
