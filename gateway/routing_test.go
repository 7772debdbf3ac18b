package gateway

import "testing"

const baseDomain = "tunnel.example.com"

func TestExtractTunnelIDSubdomainMode(t *testing.T) {
	id, path, mode := ExtractTunnelID("abc123xyz456.tunnel.example.com", "/health", baseDomain)
	if mode != ModeSubdomain || id != "abc123xyz456" || path != "/health" {
		t.Fatalf("unexpected result: id=%q path=%q mode=%v", id, path, mode)
	}
}

func TestExtractTunnelIDSubdomainModeWithPort(t *testing.T) {
	id, _, mode := ExtractTunnelID("abc123xyz456.tunnel.example.com:443", "/", baseDomain)
	if mode != ModeSubdomain || id != "abc123xyz456" {
		t.Fatalf("expected subdomain match ignoring port, got id=%q mode=%v", id, mode)
	}
}

func TestExtractTunnelIDMultiLevelSubdomainFallsBackToPath(t *testing.T) {
	_, _, mode := ExtractTunnelID("a.b.tunnel.example.com", "/x", baseDomain)
	if mode != ModePath {
		t.Fatalf("expected path-mode fallback for multi-level subdomain, got %v", mode)
	}
}

func TestExtractTunnelIDPathMode(t *testing.T) {
	id, path, mode := ExtractTunnelID("tunnel.example.com", "/abc123xyz456/about", baseDomain)
	if mode != ModePath || id != "abc123xyz456" || path != "/about" {
		t.Fatalf("unexpected result: id=%q path=%q mode=%v", id, path, mode)
	}
}

func TestExtractTunnelIDPathModeNoTrailingContent(t *testing.T) {
	_, path, mode := ExtractTunnelID("tunnel.example.com", "/abc123xyz456", baseDomain)
	if mode != ModePath || path != "/" {
		t.Fatalf("expected forwarded root path, got path=%q mode=%v", path, mode)
	}
}
