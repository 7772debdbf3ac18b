package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ttfgw/ttf/protocol"
)

// hopByHop headers are stripped from both the inbound request and the
// local service's response, grounded on proxy/headers.go's allowlist
// model, inverted to a denylist since spec.md §4.3.4 forwards all
// non-hop-by-hop headers rather than curating a fixed set.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

// handleRequest builds a local HTTP request from a framed HTTPRequest,
// executes it against the configured local service with a deadline, and
// writes an http_response or error frame to ch (spec.md §4.5's per-request
// worker).
func (a *Agent) handleRequest(ctx context.Context, req protocol.HTTPRequest, ch chan<- []byte) {
	start := time.Now()

	frame, err := a.forwardToLocal(ctx, req)
	if err != nil {
		a.cfg.Observer.LocalRequestFailed()
		errFrame, encErr := protocol.Encode(protocol.TypeError, protocol.ErrorFrame{
			RequestID: req.RequestID,
			Code:      errorCodeFor(err),
			Message:   err.Error(),
		})
		if encErr == nil {
			a.send(ctx, ch, errFrame)
		}
		return
	}

	a.send(ctx, ch, frame)
	a.cfg.Observer.LocalRequest(0, time.Since(start))
}

func (a *Agent) send(ctx context.Context, ch chan<- []byte, frame []byte) {
	select {
	case ch <- frame:
	case <-ctx.Done():
	}
}

func (a *Agent) forwardToLocal(ctx context.Context, req protocol.HTTPRequest) ([]byte, error) {
	start := time.Now()
	body, err := protocol.DecodeBody(req.Body)
	if err != nil {
		return nil, errBadRequest(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	url := a.cfg.localBaseURL() + req.URI
	httpReq, err := http.NewRequestWithContext(reqCtx, strings.ToUpper(req.Method), url, bytes.NewReader(body))
	if err != nil {
		return nil, errBadRequest(err)
	}
	for name, values := range req.Headers {
		if _, skip := hopByHop[strings.ToLower(name)]; skip {
			continue
		}
		for _, v := range values {
			httpReq.Header.Add(name, v)
		}
	}

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, errTimeout(err)
		}
		return nil, errUnavailable(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxBodyBytes))
	if err != nil {
		return nil, errUnavailable(err)
	}

	respHeaders := protocol.Headers{}
	for name, values := range resp.Header {
		if _, skip := hopByHop[strings.ToLower(name)]; skip {
			continue
		}
		respHeaders[name] = values
	}

	return protocol.Encode(protocol.TypeHTTPResponse, protocol.HTTPResponse{
		RequestID:        req.RequestID,
		StatusCode:       resp.StatusCode,
		Headers:          respHeaders,
		Body:             protocol.EncodeBody(respBody),
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// localError classifies a local-service failure against the ErrorCode
// taxonomy spec.md §7 defines, so the gateway can map it back to a public
// HTTP status per §4.3.8.
type localError struct {
	code protocol.ErrorCode
	err  error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func errBadRequest(err error) error {
	return &localError{code: protocol.ErrorCodeInvalidRequest, err: err}
}
func errTimeout(err error) error {
	return &localError{code: protocol.ErrorCodeTimeout, err: err}
}
func errUnavailable(err error) error {
	return &localError{code: protocol.ErrorCodeLocalServiceUnavailable, err: err}
}

func errorCodeFor(err error) protocol.ErrorCode {
	if le, ok := err.(*localError); ok {
		return le.code
	}
	return protocol.ErrorCodeInternalError
}
