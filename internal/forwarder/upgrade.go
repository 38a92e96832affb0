package forwarder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/router-for-me/RelayCore/internal/streamcopy"
	"github.com/router-for-me/RelayCore/internal/telemetry"
	"github.com/router-for-me/RelayCore/internal/transforms"
)

// handleUpgrade relays an upgraded (101) connection: it takes ownership
// of both raw duplex streams and runs one pump per direction until both
// sides finish. The two pumps share one activity token, so progress on
// either direction keeps the pair alive.
func (f *Forwarder) handleUpgrade(ctx, contentCtx context.Context, w http.ResponseWriter, r *http.Request, resp *http.Response, pipeline *transforms.Pipeline) *ProxyError {
	f.tel.ForwarderStage(ctx, telemetry.StageResponseUpgrade)

	backConn, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		resp.Body.Close()
		return f.fail(ctx, w, pipeline, r, &ProxyError{
			Kind:  ErrorUpgradeResponseDestination,
			Cause: fmt.Errorf("101 response without a writable body"),
		})
	}
	defer backConn.Close()

	header := make(http.Header)
	if pipeline.ShouldCopyResponseHeaders() {
		transforms.CopyResponseHeaders(header, resp.Header)
	}
	rc := &transforms.ResponseContext{
		Inbound:    r,
		Response:   resp,
		Header:     header,
		StatusCode: resp.StatusCode,
	}
	if err := pipeline.TransformResponse(rc); err != nil {
		return f.fail(ctx, w, pipeline, r, &ProxyError{Kind: ErrorUpgradeResponseDestination, Cause: err})
	}
	// The switch itself is hop-scoped but must reach the client.
	header.Set("Connection", "Upgrade")
	if v := resp.Header.Get("Upgrade"); v != "" {
		header.Set("Upgrade", v)
	}

	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		return f.fail(ctx, w, pipeline, r, &ProxyError{
			Kind:  ErrorUpgradeResponseClient,
			Cause: fmt.Errorf("inbound connection does not support upgrade: %w", err),
		})
	}
	defer conn.Close()

	if err := writeUpgradeResponse(brw.Writer, resp, header); err != nil {
		perr := &ProxyError{Kind: ErrorUpgradeResponseClient, Cause: err}
		ErrorSlotFrom(ctx).Set(perr)
		f.tel.ProxyFailed(ctx, perr.Kind.String())
		f.logFailure(ctx, perr)
		return perr
	}

	tok := streamcopy.NewActivityToken(contentCtx, f.activityTimeout)
	defer tok.Close()

	var (
		mu    sync.Mutex
		first *ProxyError
	)
	record := func(perr *ProxyError) {
		mu.Lock()
		if first == nil {
			first = perr
		}
		mu.Unlock()
	}

	var g errgroup.Group
	// Client to destination. The buffered reader may hold bytes that
	// arrived with the upgrade request; reading through it keeps them.
	g.Go(func() error {
		result, _, copyErr := streamcopy.Copy(tok.Context(), backConn, brw.Reader, tok, true, f.tel)
		switch result {
		case streamcopy.ResultDone:
			halfCloseWrite(backConn)
		case streamcopy.ResultReadError:
			record(&ProxyError{Kind: ErrorUpgradeRequestClient, Cause: copyErr})
			backConn.Close()
		case streamcopy.ResultWriteError:
			record(&ProxyError{Kind: ErrorUpgradeRequestDestination, Cause: copyErr})
			conn.Close()
		case streamcopy.ResultCanceled:
			record(&ProxyError{Kind: ErrorUpgradeRequestCanceled, Cause: copyErr})
		}
		return nil
	})
	// Destination to client.
	g.Go(func() error {
		result, _, copyErr := streamcopy.Copy(tok.Context(), conn, backConn, tok, false, f.tel)
		switch result {
		case streamcopy.ResultDone:
			halfCloseWrite(conn)
		case streamcopy.ResultReadError:
			record(&ProxyError{Kind: ErrorUpgradeResponseDestination, Cause: copyErr})
			conn.Close()
		case streamcopy.ResultWriteError:
			record(&ProxyError{Kind: ErrorUpgradeResponseClient, Cause: copyErr})
			backConn.Close()
		case streamcopy.ResultCanceled:
			record(&ProxyError{Kind: ErrorUpgradeResponseCanceled, Cause: copyErr})
		}
		return nil
	})
	_ = g.Wait()

	if first != nil {
		// Headers went out with the 101; only the error feature and the
		// torn-down connection can tell the story now.
		ErrorSlotFrom(ctx).Set(first)
		f.tel.ProxyFailed(ctx, first.Kind.String())
		f.logFailure(ctx, first)
		return first
	}

	f.tel.ForwarderStage(ctx, telemetry.StageCompleted)
	f.tel.ProxyStop(ctx, http.StatusSwitchingProtocols)
	return nil
}

// writeUpgradeResponse emits the 101 status line and headers on the
// hijacked connection.
func writeUpgradeResponse(bw *bufio.Writer, resp *http.Response, header http.Header) error {
	status := resp.Status
	if status == "" {
		status = "101 Switching Protocols"
	}
	if _, err := bw.WriteString("HTTP/1.1 " + status + "\r\n"); err != nil {
		return err
	}
	if err := header.Write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// halfCloseWrite propagates EOF to the peer without closing the read
// side, so the other direction can keep draining.
func halfCloseWrite(c io.Writer) {
	if cw, ok := c.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
	}
}
