package mcpmgr

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonConfig = `{
  "mcpServers": {
    "weather": {
      "command": "npx",
      "args": ["-y", "@example/weather-mcp"],
      "env": {"WEATHER_KEY": "${WEATHER_KEY}"}
    },
    "search": {
      "url": "https://search.example.com/sse",
      "header": {"Authorization": "Bearer ${SEARCH_TOKEN}"}
    }
  }
}`

const yamlConfig = `
mcpServers:
  files:
    command: uvx
    args: [files-mcp]
  docs:
    url: https://docs.example.com/mcp
    transport: streamable-http
`

func TestParseDocumentJSON(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(jsonConfig), FormatJSON)
	require.NoError(t, err)
	require.NoError(t, doc.Validate())

	descs := doc.Descriptors()
	require.Len(t, descs, 2)
	assert.Equal(t, "search", descs[0].ID)
	assert.Equal(t, "weather", descs[1].ID)
	assert.True(t, IsStream(descs[0]))
	assert.True(t, IsSubprocess(descs[1]))

	weather, ok := doc.Lookup("weather")
	require.True(t, ok)
	assert.Equal(t, "weather", weather.ID)
	assert.Equal(t, []string{"-y", "@example/weather-mcp"}, weather.Args)

	_, ok = doc.Lookup("missing")
	assert.False(t, ok)
}

func TestParseDocumentYAML(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(yamlConfig), FormatYAML)
	require.NoError(t, err)
	docs, ok := doc.Lookup("docs")
	require.True(t, ok)
	assert.Equal(t, StreamTransportStreamable, docs.Transport)
	files, ok := doc.Lookup("files")
	require.True(t, ok)
	assert.Equal(t, "uvx", files.Command)
}

func TestParseDocumentEmptyAndInvalid(t *testing.T) {
	t.Parallel()

	doc, err := ParseDocument([]byte(`{}`), FormatJSON)
	require.NoError(t, err)
	assert.NotNil(t, doc.MCPServers)
	assert.Empty(t, doc.Descriptors())

	_, err = ParseDocument([]byte(`{"mcpServers": [}`), FormatJSON)
	assert.Error(t, err)

	bad, err := ParseDocument([]byte(`{"mcpServers": {"both": {"command": "x", "url": "https://h"}}}`), FormatJSON)
	require.NoError(t, err)
	err = bad.Validate()
	assert.ErrorIs(t, err, ErrInvalidDescriptor)
	assert.Contains(t, err.Error(), "both")
}

func TestLoadDocumentByExtension(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "servers.json")
	yamlPath := filepath.Join(dir, "servers.yml")
	require.NoError(t, os.WriteFile(jsonPath, []byte(jsonConfig), 0o600))
	require.NoError(t, os.WriteFile(yamlPath, []byte(yamlConfig), 0o600))

	assert.Equal(t, FormatJSON, FormatFromPath(jsonPath))
	assert.Equal(t, FormatYAML, FormatFromPath(yamlPath))

	fromJSON, err := LoadDocument(jsonPath)
	require.NoError(t, err)
	assert.Len(t, fromJSON.MCPServers, 2)

	fromYAML, err := LoadDocument(yamlPath)
	require.NoError(t, err)
	assert.Len(t, fromYAML.MCPServers, 2)

	_, err = LoadDocument(filepath.Join(dir, "absent.json"))
	assert.Error(t, err)
}
