package mcpmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveSubstitutesEveryField(t *testing.T) {
	t.Parallel()

	env := Environment{"BIN": "/usr/bin/node", "TOKEN": "s3cret", "REGION": "eu"}
	d := ServerDescriptor{
		ID:      "sub",
		Command: "${BIN}",
		Args:    []string{"server.js", "--region=${REGION}"},
		Env:     map[string]string{"API_TOKEN": "${TOKEN}", "PLAIN": "value"},
	}

	r, err := Resolve(d, env)
	require.NoError(t, err)
	assert.Equal(t, TransportSubprocess, r.Kind)
	assert.Equal(t, "/usr/bin/node", r.Command)
	assert.Equal(t, []string{"server.js", "--region=eu"}, r.Args)
	assert.Equal(t, map[string]string{"API_TOKEN": "s3cret", "PLAIN": "value"}, r.Env)

	assert.Equal(t, "${BIN}", d.Command, "input descriptor must not be mutated")
	assert.Equal(t, "${TOKEN}", d.Env["API_TOKEN"])
}

func TestResolveStreamDescriptor(t *testing.T) {
	t.Parallel()

	env := Environment{"HOST": "tools.example.com", "KEY": "abc"}
	d := ServerDescriptor{
		ID:     "remote",
		URL:    "https://${HOST}/mcp",
		Header: map[string]string{"Authorization": "Bearer ${KEY}"},
	}
	r, err := Resolve(d, env)
	require.NoError(t, err)
	assert.Equal(t, TransportStream, r.Kind)
	assert.Equal(t, "https://tools.example.com/mcp", r.URL)
	assert.Equal(t, "Bearer abc", r.Header["Authorization"])
	assert.Nil(t, r.Env)
}

func TestResolveMissingVariable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		desc  ServerDescriptor
		field string
	}{
		{"command", ServerDescriptor{Command: "${MISSING}"}, "command"},
		{"arg", ServerDescriptor{Command: "run", Args: []string{"ok", "${MISSING}"}}, "args[1]"},
		{"env", ServerDescriptor{Command: "run", Env: map[string]string{"K": "${MISSING}"}}, "env.K"},
		{"url", ServerDescriptor{URL: "https://${MISSING}/sse"}, "url"},
		{"header", ServerDescriptor{URL: "https://h/mcp", Header: map[string]string{"X": "${MISSING}"}}, "header.X"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			r, err := Resolve(tc.desc, Environment{"OTHER": "x"})
			require.ErrorIs(t, err, ErrMissingVariable)
			var missing *MissingVariableError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, "MISSING", missing.Name)
			assert.Equal(t, tc.field, missing.Field)
			assert.Equal(t, ResolvedDescriptor{}, r)
		})
	}
}

func TestResolveMergesProxyVariables(t *testing.T) {
	t.Parallel()

	env := Environment{
		"HTTPS_PROXY": "http://proxy:3128",
		"no_proxy":    "localhost",
		"HTTP_PROXY":  "http://ambient:8080",
		"UNRELATED":   "ignored",
	}
	d := ServerDescriptor{
		Command: "run",
		Env:     map[string]string{"HTTP_PROXY": "http://explicit:9999"},
	}
	r, err := Resolve(d, env)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"HTTP_PROXY":  "http://explicit:9999",
		"HTTPS_PROXY": "http://proxy:3128",
		"no_proxy":    "localhost",
	}, r.Env)

	stream, err := Resolve(ServerDescriptor{URL: "https://h/mcp"}, env)
	require.NoError(t, err)
	assert.Nil(t, stream.Env)
}

func TestResolveRejectsInvalidDescriptors(t *testing.T) {
	t.Parallel()

	cases := map[string]ServerDescriptor{
		"empty":        {},
		"both":         {Command: "run", URL: "https://h/mcp"},
		"bad scheme":   {URL: "ftp://h/mcp"},
		"relative url": {URL: "/just/a/path"},
		"bad override": {URL: "https://h/mcp", Transport: "websocket"},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(d, Environment{})
			assert.ErrorIs(t, err, ErrInvalidDescriptor)
		})
	}
}

func TestPreferredStreamTransports(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []StreamTransport{StreamTransportSSE},
		PreferredStreamTransports(ResolvedDescriptor{URL: "https://h/sse"}))
	assert.Equal(t, []StreamTransport{StreamTransportSSE},
		PreferredStreamTransports(ResolvedDescriptor{URL: "https://h/sse/"}))
	assert.Equal(t, []StreamTransport{StreamTransportStreamable, StreamTransportSSE},
		PreferredStreamTransports(ResolvedDescriptor{URL: "https://h/mcp"}))
	assert.Equal(t, []StreamTransport{StreamTransportStreamable},
		PreferredStreamTransports(ResolvedDescriptor{URL: "https://h/sse", Transport: StreamTransportStreamable}))
}
