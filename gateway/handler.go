package gateway

import (
	"io"
	"net/http"
	"strconv"

	"github.com/ttfgw/ttf/protocol"
)

// PublicHandler is the http.Handler public callers reach at
// https://<base-domain>/... (spec.md §6). It forwards every request to the
// Engine and writes back the response verbatim, setting the headers
// spec.md §4.4 names.
type PublicHandler struct {
	engine *Engine
}

// NewPublicHandler wraps an Engine as an http.Handler.
func NewPublicHandler(engine *Engine) *PublicHandler {
	return &PublicHandler{engine: engine}
}

func (h *PublicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, protocol.MaxBodyBytes+1))
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusInternalServerError)
		return
	}

	headers := protocol.Headers(r.Header.Clone())

	status, respHeaders, respBody, mode, rewritten := h.engine.ForwardRequest(
		r.Context(), r.Host, r.URL.Path, r.Method, headers, body,
	)

	for name, values := range respHeaders {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if mode == ModeSubdomain {
		w.Header().Set("X-Tunnel-Routing-Mode", mode.String())
	}
	if rewritten {
		w.Header().Set("Content-Length", strconv.Itoa(len(respBody)))
		w.Header().Del("Transfer-Encoding")
		w.Header().Set("X-Tunnel-Rewrite-Applied", "true")
	}

	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}
