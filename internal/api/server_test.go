package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/RelayCore/internal/config"
	"github.com/router-for-me/RelayCore/internal/forwarder"
	"github.com/router-for-me/RelayCore/internal/telemetry"
)

func testConfig(destURL string) *config.Config {
	return &config.Config{
		Port:            0,
		RequestTimeout:  config.Duration(10 * time.Second),
		ActivityTimeout: config.Duration(10 * time.Second),
		Routes: []config.RouteConfig{
			{PathPrefix: "/api", Destination: destURL + "/base/"},
			{PathPrefix: "/api/v2", Destination: destURL + "/v2root/"},
		},
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	fwd := forwarder.New(forwarder.Options{
		RequestTimeout:  cfg.RequestTimeout.Std(),
		ActivityTimeout: cfg.ActivityTimeout.Std(),
	})
	s, err := NewServer(cfg, fwd, nil, telemetry.Nop{})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestServer_RoutesByLongestPrefix(t *testing.T) {
	pathCh := make(chan string, 2)
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pathCh <- r.URL.Path
	}))
	defer dest.Close()

	s := newTestServer(t, testConfig(dest.URL))
	front := httptest.NewServer(s.engine)
	defer front.Close()

	if _, err := http.Get(front.URL + "/api/v2/items"); err != nil {
		t.Fatal(err)
	}
	if got := <-pathCh; got != "/v2root/items" {
		t.Fatalf("nested route path = %q, want /v2root/items", got)
	}

	if _, err := http.Get(front.URL + "/api/items"); err != nil {
		t.Fatal(err)
	}
	if got := <-pathCh; got != "/base/items" {
		t.Fatalf("outer route path = %q, want /base/items", got)
	}
}

func TestServer_PrefixMatchIsSegmentAligned(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer dest.Close()

	s := newTestServer(t, testConfig(dest.URL))
	front := httptest.NewServer(s.engine)
	defer front.Close()

	// "/apiary" must not match the "/api" route.
	resp, err := http.Get(front.URL + "/apiary/items")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_ProxiesEndToEnd(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer dest.Close()

	s := newTestServer(t, testConfig(dest.URL))
	front := httptest.NewServer(s.engine)
	defer front.Close()

	resp, err := http.Post(front.URL+"/api/echo", "text/plain", strings.NewReader("payload"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "payload" {
		t.Fatalf("body = %q", body)
	}
}

func TestServer_UpdateRoutesSwapsTable(t *testing.T) {
	destA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "A")
	}))
	defer destA.Close()
	destB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "B")
	}))
	defer destB.Close()

	cfg := &config.Config{
		Routes: []config.RouteConfig{{PathPrefix: "/api", Destination: destA.URL}},
	}
	s := newTestServer(t, cfg)
	front := httptest.NewServer(s.engine)
	defer front.Close()

	read := func() string {
		resp, err := http.Get(front.URL + "/api/x")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}

	if got := read(); got != "A" {
		t.Fatalf("before swap = %q", got)
	}

	if err := s.UpdateRoutes(&config.Config{
		Routes: []config.RouteConfig{{PathPrefix: "/api", Destination: destB.URL}},
	}); err != nil {
		t.Fatal(err)
	}
	if got := read(); got != "B" {
		t.Fatalf("after swap = %q", got)
	}
}

func TestServer_HealthReportWithoutProber(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer dest.Close()

	s := newTestServer(t, testConfig(dest.URL))
	front := httptest.NewServer(s.engine)
	defer front.Close()

	resp, err := http.Get(front.URL + "/health/destinations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
