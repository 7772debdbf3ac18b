package gateway

import "strings"

// RoutingMode distinguishes how the tunnel id was extracted from the
// public request.
type RoutingMode int

const (
	ModeSubdomain RoutingMode = iota
	ModePath
)

func (m RoutingMode) String() string {
	if m == ModeSubdomain {
		return "subdomain"
	}
	return "path"
}

// ExtractTunnelID implements spec.md §4.3.4 step 1: inspect the host
// header first; if its leftmost label is a candidate tunnel id and the
// remaining labels equal the configured base domain, it is subdomain mode
// and the full path is forwarded. Otherwise the first path segment is
// treated as the tunnel id candidate (path mode) and stripped from the
// forwarded path.
//
// This only performs extraction; format validation of the returned
// candidate is the caller's responsibility (spec.md §4.3.4 step 2).
func ExtractTunnelID(host, path, baseDomain string) (tunnelIDCandidate string, forwardPath string, mode RoutingMode) {
	hostNoPort := host
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		hostNoPort = host[:i]
	}

	labels := strings.Split(hostNoPort, ".")
	if len(labels) > 1 {
		rest := strings.Join(labels[1:], ".")
		if strings.EqualFold(rest, baseDomain) {
			fp := path
			if fp == "" {
				fp = "/"
			}
			return labels[0], fp, ModeSubdomain
		}
	}

	trimmed := strings.TrimPrefix(path, "/")
	seg, rem, _ := strings.Cut(trimmed, "/")
	forwardPath = "/" + rem
	return seg, forwardPath, ModePath
}
