package matcher

import (
	"regexp"
	"strings"
)

var toolAssistantPattern = regexp.MustCompile(`(?s)<tool_assistant>(.*?)</tool_assistant>`)

// Query is a routing request split into its server and tool intents.
type Query struct {
	Server string
	Tool   string
}

// ParseQuery reads the <tool_assistant> convention:
//
//	<tool_assistant>
//	server: a server that reads weather data
//	tool: get the forecast for a city
//	</tool_assistant>
//
// Text outside the tag, or a missing line, falls back to the whole query.
func ParseQuery(raw string) Query {
	body := strings.TrimSpace(raw)
	if m := toolAssistantPattern.FindStringSubmatch(raw); m != nil {
		body = strings.TrimSpace(m[1])
	}
	var q Query
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "server":
			q.Server = strings.TrimSpace(value)
		case "tool":
			q.Tool = strings.TrimSpace(value)
		}
	}
	if q.Server == "" {
		q.Server = body
	}
	if q.Tool == "" {
		q.Tool = body
	}
	return q
}
