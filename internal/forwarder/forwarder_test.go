package forwarder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/router-for-me/RelayCore/internal/telemetry"
	"github.com/router-for-me/RelayCore/internal/transforms"
)

// recordingConsumer captures the telemetry trace of a request.
type recordingConsumer struct {
	mu          sync.Mutex
	stages      []telemetry.Stage
	starts      int
	stops       []int
	failures    []string
	transferred []telemetry.TransferStats
}

func (r *recordingConsumer) ForwarderStage(_ context.Context, stage telemetry.Stage) {
	r.mu.Lock()
	r.stages = append(r.stages, stage)
	r.mu.Unlock()
}

func (r *recordingConsumer) ContentTransferring(context.Context, telemetry.TransferStats) {}

func (r *recordingConsumer) ContentTransferred(_ context.Context, stats telemetry.TransferStats) {
	r.mu.Lock()
	r.transferred = append(r.transferred, stats)
	r.mu.Unlock()
}

func (r *recordingConsumer) ProxyStart(context.Context) {
	r.mu.Lock()
	r.starts++
	r.mu.Unlock()
}

func (r *recordingConsumer) ProxyStop(_ context.Context, statusCode int) {
	r.mu.Lock()
	r.stops = append(r.stops, statusCode)
	r.mu.Unlock()
}

func (r *recordingConsumer) ProxyFailed(_ context.Context, kind string) {
	r.mu.Lock()
	r.failures = append(r.failures, kind)
	r.mu.Unlock()
}

func (r *recordingConsumer) ProxyInvoke(context.Context, string, string, string) {}

func (r *recordingConsumer) snapshot() (stages []telemetry.Stage, starts int, stops []int, failures []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]telemetry.Stage(nil), r.stages...), r.starts,
		append([]int(nil), r.stops...), append([]string(nil), r.failures...)
}

// harness serves a Forwarder behind a real HTTP server and records the
// error feature of the last request.
type harness struct {
	fwd      *Forwarder
	dest     *Destination
	pathBase string
	pipeline *transforms.Pipeline
	server   *httptest.Server

	mu      sync.Mutex
	lastErr *ProxyError
}

func newHarness(t *testing.T, fwd *Forwarder, destURL, pathBase string, pipeline *transforms.Pipeline) *harness {
	t.Helper()
	prefix, err := url.Parse(destURL)
	if err != nil {
		t.Fatal(err)
	}
	h := &harness{
		fwd:      fwd,
		dest:     &Destination{ID: "dest-1", Prefix: prefix},
		pathBase: pathBase,
		pipeline: pipeline,
	}
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, slot := WithErrorSlot(r.Context())
		h.fwd.Forward(w, r.WithContext(ctx), h.dest, h.pathBase, h.pipeline)
		h.mu.Lock()
		h.lastErr = slot.Get()
		h.mu.Unlock()
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) lastError() *ProxyError {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

func TestForward_NormalPOST(t *testing.T) {
	var destSaw struct {
		mu      sync.Mutex
		method  string
		uri     string
		host    string
		headers http.Header
		body    []byte
	}
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		destSaw.mu.Lock()
		destSaw.method = r.Method
		destSaw.uri = r.URL.RequestURI()
		destSaw.host = r.Host
		destSaw.headers = r.Header.Clone()
		destSaw.body = body
		destSaw.mu.Unlock()

		w.Header().Set("X-Ms-Response-Test", "response")
		w.WriteHeader(234)
		_, _ = io.WriteString(w, "response content")
	}))
	defer dest.Close()

	rec := &recordingConsumer{}
	fwd := New(Options{Telemetry: rec})
	pipeline := transforms.NewPipeline().AddRequest(transforms.HostPassthrough{})
	h := newHarness(t, fwd, dest.URL+"/a/b/", "/path/base/dropped", pipeline)

	req, err := http.NewRequest(http.MethodPost,
		h.server.URL+"/path/base/dropped/api/test?a=b&c=d",
		strings.NewReader("request content"))
	if err != nil {
		t.Fatal(err)
	}
	req.Host = "example.com:3456"
	req.Header.Set("X-Ms-Request-Test", "request")
	req.Header.Set("Content-Language", "requestLanguage")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 234 {
		t.Fatalf("status = %d, want 234", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Ms-Response-Test"); got != "response" {
		t.Fatalf("X-Ms-Response-Test = %q", got)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "response content" {
		t.Fatalf("body = %q", body)
	}

	destSaw.mu.Lock()
	defer destSaw.mu.Unlock()
	if destSaw.method != http.MethodPost {
		t.Errorf("destination method = %q", destSaw.method)
	}
	if destSaw.uri != "/a/b/api/test?a=b&c=d" {
		t.Errorf("destination uri = %q", destSaw.uri)
	}
	if destSaw.host != "example.com:3456" {
		t.Errorf("destination host = %q", destSaw.host)
	}
	if string(destSaw.body) != "request content" {
		t.Errorf("destination body = %q", destSaw.body)
	}
	if got := destSaw.headers.Get("X-Ms-Request-Test"); got != "request" {
		t.Errorf("X-Ms-Request-Test = %q", got)
	}
	if got := destSaw.headers.Get("Content-Language"); got != "requestLanguage" {
		t.Errorf("Content-Language = %q", got)
	}
	for _, banned := range []string{"Connection", "Keep-Alive", "Upgrade", "Proxy-Authorization"} {
		if _, present := destSaw.headers[banned]; present {
			t.Errorf("%s reached the destination", banned)
		}
	}
	for name := range destSaw.headers {
		if strings.HasPrefix(name, ":") {
			t.Errorf("pseudo-header %s reached the destination", name)
		}
	}

	if h.lastError() != nil {
		t.Fatalf("unexpected error feature: %v", h.lastError())
	}

	stages, starts, stops, failures := rec.snapshot()
	wantStages := []telemetry.Stage{
		telemetry.StageReceivedRequest,
		telemetry.StageSentRequest,
		telemetry.StageReceivedResponse,
		telemetry.StageResponseContentTransferStart,
		telemetry.StageCompleted,
	}
	if len(stages) != len(wantStages) {
		t.Fatalf("stages = %v, want %v", stages, wantStages)
	}
	for i := range wantStages {
		if stages[i] != wantStages[i] {
			t.Fatalf("stage[%d] = %v, want %v", i, stages[i], wantStages[i])
		}
	}
	if starts != 1 {
		t.Errorf("ProxyStart count = %d", starts)
	}
	if len(stops) != 1 || stops[0] != 234 {
		t.Errorf("ProxyStop = %v, want [234]", stops)
	}
	if len(failures) != 0 {
		t.Errorf("ProxyFailed = %v, want none", failures)
	}

	rec.mu.Lock()
	transferred := append([]telemetry.TransferStats(nil), rec.transferred...)
	rec.mu.Unlock()
	if len(transferred) != 2 {
		t.Fatalf("ContentTransferred events = %d, want 2 (one per pump)", len(transferred))
	}
	for _, stats := range transferred {
		want := int64(len("request content"))
		if !stats.Request {
			want = int64(len("response content"))
		}
		if stats.Bytes != want {
			t.Errorf("pump (request=%v) bytes = %d, want %d", stats.Request, stats.Bytes, want)
		}
	}
}

func TestForward_XForwardedAppend(t *testing.T) {
	headerCh := make(chan http.Header, 1)
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headerCh <- r.Header.Clone()
	}))
	defer dest.Close()

	fwd := New(Options{})
	pipeline := transforms.NewPipeline().
		AddRequest(transforms.DefaultForwarded(true, true, true, true)...)
	h := newHarness(t, fwd, dest.URL, "/front", pipeline)

	req, err := http.NewRequest(http.MethodGet, h.server.URL+"/front/api", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Forwarded-For", "::1")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	got := <-headerCh
	ff := got["X-Forwarded-For"]
	if len(ff) != 2 || ff[0] != "::1" || ff[1] != "127.0.0.1" {
		t.Fatalf("X-Forwarded-For = %v, want [::1 127.0.0.1]", ff)
	}
	if got.Get("X-Forwarded-Proto") != "http" {
		t.Errorf("X-Forwarded-Proto = %q", got.Get("X-Forwarded-Proto"))
	}
	if got.Get("X-Forwarded-Prefix") != "/front" {
		t.Errorf("X-Forwarded-Prefix = %q", got.Get("X-Forwarded-Prefix"))
	}
	if got.Get("X-Forwarded-Host") == "" {
		t.Error("X-Forwarded-Host missing")
	}
}

func TestForward_ConnectionRefused(t *testing.T) {
	rec := &recordingConsumer{}
	fwd := New(Options{Telemetry: rec})
	// Nothing listens on the destination port.
	h := newHarness(t, fwd, "http://127.0.0.1:1", "", transforms.NewPipeline())

	resp, err := http.Post(h.server.URL+"/api", "text/plain", strings.NewReader("request content"))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 0 {
		t.Fatalf("body = %q, want empty", body)
	}
	perr := h.lastError()
	if perr == nil || perr.Kind != ErrorRequest {
		t.Fatalf("error feature = %v, want kind Request", perr)
	}
	_, _, _, failures := rec.snapshot()
	if len(failures) != 1 || failures[0] != "Request" {
		t.Fatalf("ProxyFailed = %v, want [Request]", failures)
	}
}

// brokenReader fails without delivering any bytes, like an inbound
// connection dying mid-upload.
type brokenReader struct{ err error }

func (b brokenReader) Read([]byte) (int, error) { return 0, b.err }

func TestForward_InboundBodyReadFails(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer dest.Close()

	prefix, _ := url.Parse(dest.URL)
	fwd := New(Options{})

	r := httptest.NewRequest(http.MethodPost, "http://example.com/api/upload", brokenReader{err: errors.New("client connection reset")})
	r.ContentLength = -1
	ctx, slot := WithErrorSlot(r.Context())
	r = r.WithContext(ctx)

	w := httptest.NewRecorder()
	perr := fwd.Forward(w, r, &Destination{ID: "d", Prefix: prefix}, "", transforms.NewPipeline())

	if perr == nil || perr.Kind != ErrorRequestBodyClient {
		t.Fatalf("error = %v, want kind RequestBodyClient", perr)
	}
	if slot.Get() != perr {
		t.Fatal("error feature not attached")
	}
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Fatalf("body = %q, want empty", w.Body.String())
	}
}

func TestForward_DestinationFailsAfterResponseStarted(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "partial")
		w.(http.Flusher).Flush()
		// Kill the upstream connection mid-body.
		panic(http.ErrAbortHandler)
	}))
	defer dest.Close()

	fwd := New(Options{})
	h := newHarness(t, fwd, dest.URL, "", transforms.NewPipeline())

	resp, err := http.Get(h.server.URL + "/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (already committed)", resp.StatusCode)
	}
	if _, err = io.ReadAll(resp.Body); err == nil {
		t.Fatal("expected a truncated body read error after the abort")
	}

	// The handler goroutine records the slot after Forward returns.
	deadline := time.Now().Add(2 * time.Second)
	for h.lastError() == nil && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	perr := h.lastError()
	if perr == nil || perr.Kind != ErrorResponseBodyDestination {
		t.Fatalf("error feature = %v, want kind ResponseBodyDestination", perr)
	}
}

func TestForward_ResponseTrailers(t *testing.T) {
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Trailer", "X-Checksum")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "payload")
		w.Header().Set("X-Checksum", "abc123")
	}))
	defer dest.Close()

	fwd := New(Options{})
	h := newHarness(t, fwd, dest.URL, "", transforms.NewPipeline())

	resp, err := http.Get(h.server.URL + "/with-trailers")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if _, err = io.ReadAll(resp.Body); err != nil {
		t.Fatal(err)
	}
	if got := resp.Trailer.Get("X-Checksum"); got != "abc123" {
		t.Fatalf("trailer X-Checksum = %q, want abc123", got)
	}
}

func TestForward_UpgradeWebSocketEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("destination upgrade: %v", err)
			return
		}
		defer conn.Close()
		for {
			mt, msg, errRead := conn.ReadMessage()
			if errRead != nil {
				return
			}
			if errWrite := conn.WriteMessage(mt, msg); errWrite != nil {
				return
			}
		}
	}))
	defer dest.Close()

	rec := &recordingConsumer{}
	fwd := New(Options{Telemetry: rec, ActivityTimeout: 2 * time.Second})
	h := newHarness(t, fwd, dest.URL, "", transforms.NewPipeline())

	wsURL := "ws" + strings.TrimPrefix(h.server.URL, "http") + "/socket"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial through proxy: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	if err = conn.WriteMessage(websocket.TextMessage, []byte("request content")); err != nil {
		t.Fatal(err)
	}
	_, echoed, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(echoed) != "request content" {
		t.Fatalf("echo = %q", echoed)
	}

	stages, _, _, _ := rec.snapshot()
	sawUpgrade := false
	for _, stage := range stages {
		if stage == telemetry.StageResponseUpgrade {
			sawUpgrade = true
		}
	}
	if !sawUpgrade {
		t.Fatal("ResponseUpgrade stage not emitted")
	}
}

func TestForward_UpgradeRawBytes(t *testing.T) {
	destDone := make(chan string, 1)
	dest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Upgrade"); got != "rawtest" {
			t.Errorf("Upgrade header = %q", got)
		}
		conn, _, err := http.NewResponseController(w).Hijack()
		if err != nil {
			t.Errorf("destination hijack: %v", err)
			return
		}
		defer conn.Close()
		_, _ = io.WriteString(conn, "HTTP/1.1 101 Switching Protocols\r\nConnection: Upgrade\r\nUpgrade: rawtest\r\n\r\n")
		_, _ = io.WriteString(conn, "response content")
		buf := make([]byte, len("request content"))
		if _, err = io.ReadFull(bufio.NewReader(conn), buf); err != nil {
			t.Errorf("destination read: %v", err)
		}
		destDone <- string(buf)
	}))
	defer dest.Close()

	fwd := New(Options{ActivityTimeout: 2 * time.Second})
	h := newHarness(t, fwd, dest.URL, "", transforms.NewPipeline())

	raw, err := net.Dial("tcp", strings.TrimPrefix(h.server.URL, "http://"))
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()

	fmt.Fprintf(raw, "GET /raw HTTP/1.1\r\nHost: example.com\r\nConnection: Upgrade\r\nUpgrade: rawtest\r\n\r\n")
	br := bufio.NewReader(raw)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	if _, err = io.WriteString(raw, "request content"); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, len("response content"))
	if _, err = io.ReadFull(br, got); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(got) != "response content" {
		t.Fatalf("client received %q", got)
	}

	select {
	case fromClient := <-destDone:
		if fromClient != "request content" {
			t.Fatalf("destination received %q", fromClient)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("destination never received the client bytes")
	}
}
