package mcpmgr

import (
	"sort"
	"strings"
)

// Lightweight helpers for inspecting descriptors without forcing consumers to
// switch on field presence at every call site.

// TransportKind identifies the transport family used by a descriptor.
type TransportKind string

const (
	TransportSubprocess TransportKind = "subprocess"
	TransportStream     TransportKind = "stream"
)

// IsSubprocess reports whether d launches a local process over stdio.
func IsSubprocess(d ServerDescriptor) bool {
	return d.Kind() == TransportSubprocess
}

// IsStream reports whether d dials a remote HTTP endpoint.
func IsStream(d ServerDescriptor) bool {
	return d.Kind() == TransportStream
}

// PreferredStreamTransports returns the HTTP transports to attempt for a
// stream descriptor, in order. An explicit transport wins; URLs ending in
// /sse use SSE; anything else tries Streamable HTTP and falls back to SSE.
func PreferredStreamTransports(d ResolvedDescriptor) []StreamTransport {
	switch d.Transport {
	case StreamTransportSSE, StreamTransportStreamable:
		return []StreamTransport{d.Transport}
	}
	if strings.HasSuffix(strings.TrimRight(strings.TrimSpace(d.URL), "/"), "/sse") {
		return []StreamTransport{StreamTransportSSE}
	}
	return []StreamTransport{StreamTransportStreamable, StreamTransportSSE}
}

// envPairs renders an environment map as sorted KEY=VALUE pairs.
func envPairs(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := sortedKeys(env)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
