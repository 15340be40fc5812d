package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hexagonlabs/tunneld/internal/logutil"
	"github.com/hexagonlabs/tunneld/internal/registry"
)

const proxyTimeout = 30 * time.Second

// proxyClient never follows redirects: 3xx responses from the creator's app
// are propagated to the viewer as-is. The total deadline comes from the
// per-request context.
var proxyClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// ProxyTunnel forwards a viewer request through the tunnel's remote port to
// the creator's local application and streams the response back.
func ProxyTunnel(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	project := chi.URLParam(r, "project")

	t, ok := Registry.GetByUserProject(username, project)
	if !ok || t.Info().Status != registry.StatusActive {
		writeError(w, http.StatusNotFound, "Tunnel not found or offline")
		return
	}

	upstreamURL := fmt.Sprintf("http://localhost:%d/%s", t.RemotePort, chi.URLParam(r, "*"))
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), proxyTimeout)
	defer cancel()

	upstreamReq, err := http.NewRequestWithContext(ctx, r.Method, upstreamURL, r.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "Failed to build upstream request")
		return
	}

	// Host and Content-Length are recomputed by the upstream client; all
	// other headers pass through verbatim.
	for key, vals := range r.Header {
		lower := strings.ToLower(key)
		if lower == "host" || lower == "content-length" {
			continue
		}
		for _, v := range vals {
			upstreamReq.Header.Add(key, v)
		}
	}

	resp, err := proxyClient.Do(upstreamReq)
	if err != nil {
		if isTimeout(err) {
			writeError(w, http.StatusGatewayTimeout, "Tunnel request timeout")
			return
		}
		log.Printf("[proxy] tunnel %s: upstream request failed: %v", logutil.SanitizeForLog(t.TunnelID), err)
		writeError(w, http.StatusBadGateway, "Failed to connect to tunnel")
		return
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Stream the body chunk by chunk so long-lived responses work; the
	// byte count feeds the tunnel's transfer stats.
	var out io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		out = &flushingWriter{w: w, f: flusher}
	}
	n, err := io.Copy(out, resp.Body)
	if err != nil {
		log.Printf("[proxy] tunnel %s: response copy aborted after %d bytes: %v",
			logutil.SanitizeForLog(t.TunnelID), n, err)
	}

	Registry.UpdateStats(t.TunnelID, n)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Timeout()
}

type flushingWriter struct {
	w io.Writer
	f http.Flusher
}

func (fw *flushingWriter) Write(p []byte) (n int, err error) {
	n, err = fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return
}
