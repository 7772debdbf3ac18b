package protocol

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"reflect"
	"testing"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	want := HTTPRequest{
		RequestID: "req_00000000-0000-4000-8000-000000000000",
		Method:    "GET",
		URI:       "/health",
		Headers:   Headers{"Accept": {"text/plain"}},
		Body:      EncodeBody([]byte("hello")),
		Timestamp: 1234,
	}
	raw, err := Encode(TypeHTTPRequest, want)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := DecodeEnvelope(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != TypeHTTPRequest {
		t.Fatalf("unexpected type: %v", env.Type)
	}
	var got HTTPRequest
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestDecodeEnvelopeRejectsMissingType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"payload":{}}`)); err == nil {
		t.Fatalf("expected error for missing discriminator")
	}
}

func TestBase64RoundTripRandomInputs(t *testing.T) {
	sizes := []int{0, 1, 1024, 64 * 1024, 2 * 1024 * 1024}
	for _, n := range sizes {
		b := make([]byte, n)
		if _, err := rand.Read(b); err != nil {
			t.Fatalf("rand: %v", err)
		}
		enc := EncodeBody(b)
		dec, err := DecodeBody(enc)
		if err != nil {
			t.Fatalf("decode size %d: %v", n, err)
		}
		if !bytes.Equal(b, dec) {
			t.Fatalf("round trip mismatch at size %d", n)
		}
	}
}

func TestDecodeBodyRejectsOversize(t *testing.T) {
	b := make([]byte, MaxBodyBytes+1)
	enc := EncodeBody(b)
	if _, err := DecodeBody(enc); err != ErrBodyTooLarge {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
}

func TestHeadersGetIsCaseInsensitive(t *testing.T) {
	h := Headers{"Content-Type": {"text/html"}}
	v, ok := h.Get("content-type")
	if !ok || v != "text/html" {
		t.Fatalf("unexpected lookup result: %q %v", v, ok)
	}
}

func TestValidateHeadersEnforcesLimits(t *testing.T) {
	h := Headers{}
	for i := 0; i < MaxHeaderCount+1; i++ {
		h[string(rune('a'+i%26))+string(rune(i))] = []string{"x"}
	}
	if err := ValidateHeaders(h); err == nil {
		t.Fatalf("expected error for too many headers")
	}

	big := Headers{"X-Big": {string(make([]byte, MaxHeaderValue+1))}}
	if err := ValidateHeaders(big); err == nil {
		t.Fatalf("expected error for oversized header value")
	}
}

func TestValidateURIRejectsTraversalAndDoubleSlash(t *testing.T) {
	cases := []string{"/a/../b", "/a//b", string(make([]byte, MaxURILen+1))}
	for _, c := range cases {
		if err := ValidateURI(c); err == nil {
			t.Fatalf("expected rejection for %q", c)
		}
	}
	if err := ValidateURI("/health"); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}
