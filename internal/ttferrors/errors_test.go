package ttferrors

import (
	"errors"
	"net/http"
	"testing"
)

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindInvalidRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindNotFound, http.StatusNotFound},
		{KindPayloadTooLarge, http.StatusRequestEntityTooLarge},
		{KindUpstreamGone, http.StatusBadGateway},
		{KindLocalUnavailable, http.StatusServiceUnavailable},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindInternal, http.StatusInternalServerError},
		{Kind("bogus"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := tc.kind.HTTPStatus(); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestWrapCarriesErrorIDAndCause(t *testing.T) {
	cause := errors.New("boom")
	e := Wrap(KindInternal, "lookup failed", cause)
	if e.ErrorID == "" {
		t.Fatalf("expected non-empty error id")
	}
	if !errors.Is(e, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}

func TestAsFindsWrappedError(t *testing.T) {
	inner := New(KindNotFound, "no binding")
	wrapped := &Error{Kind: KindInternal, Message: "outer", ErrorID: "x", Err: inner}
	got, ok := As(wrapped)
	if !ok {
		t.Fatalf("expected to find ttferrors.Error")
	}
	if got != wrapped {
		t.Fatalf("expected outermost Error returned first")
	}
}

func TestTwoErrorIDsDiffer(t *testing.T) {
	a := New(KindInternal, "x")
	b := New(KindInternal, "x")
	if a.ErrorID == b.ErrorID {
		t.Fatalf("expected distinct error ids")
	}
}
