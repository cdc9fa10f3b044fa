package mcpmgr

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	ServerID  string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// StreamTransport selects the HTTP flavour used for stream descriptors.
type StreamTransport string

const (
	StreamTransportAuto       StreamTransport = ""
	StreamTransportSSE        StreamTransport = "sse"
	StreamTransportStreamable StreamTransport = "streamable-http"
)

// ServerDescriptor describes how to reach one tool server. String fields may
// carry ${NAME} placeholders that are substituted by Resolve.
type ServerDescriptor struct {
	// ID is the server identifier. It is populated from the configuration
	// document key and is not part of the serialized descriptor.
	ID string `json:"-" yaml:"-"`

	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Header    map[string]string `json:"header,omitempty" yaml:"header,omitempty"`
	Transport StreamTransport   `json:"transport,omitempty" yaml:"transport,omitempty"`
}

// Kind reports the transport family implied by the descriptor.
func (d ServerDescriptor) Kind() TransportKind {
	if d.Command != "" {
		return TransportSubprocess
	}
	if d.URL != "" {
		return TransportStream
	}
	return ""
}

// Validate checks the descriptor shape before templating.
func (d ServerDescriptor) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Command,
			validation.When(d.URL == "", validation.Required.Error("either command or url is required")),
			validation.When(d.URL != "", validation.Empty.Error("command and url are mutually exclusive")),
		),
		validation.Field(&d.Transport,
			validation.In(StreamTransportAuto, StreamTransportSSE, StreamTransportStreamable),
		),
	)
}

// Document is the configuration document consumed by the router: a mapping
// of server identifier to descriptor.
type Document struct {
	MCPServers map[string]ServerDescriptor `json:"mcpServers" yaml:"mcpServers"`
}

// Descriptors returns the document's descriptors sorted by identifier with ID
// populated from the map key.
func (doc *Document) Descriptors() []ServerDescriptor {
	if doc == nil {
		return nil
	}
	ids := make([]string, 0, len(doc.MCPServers))
	for id := range doc.MCPServers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]ServerDescriptor, 0, len(ids))
	for _, id := range ids {
		d := doc.MCPServers[id]
		d.ID = id
		out = append(out, d)
	}
	return out
}

// Lookup returns the descriptor for id with ID populated.
func (doc *Document) Lookup(id string) (ServerDescriptor, bool) {
	if doc == nil {
		return ServerDescriptor{}, false
	}
	d, ok := doc.MCPServers[id]
	if !ok {
		return ServerDescriptor{}, false
	}
	d.ID = id
	return d, true
}

// Validate checks every descriptor and joins the failures keyed by id.
func (doc *Document) Validate() error {
	var errs validation.Errors
	for _, d := range doc.Descriptors() {
		if err := d.Validate(); err != nil {
			if errs == nil {
				errs = validation.Errors{}
			}
			errs[d.ID] = err
		}
	}
	if errs == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidDescriptor, errs)
}

// ConfigFormat identifies the encoding of a configuration document.
type ConfigFormat string

const (
	FormatJSON ConfigFormat = "json"
	FormatYAML ConfigFormat = "yaml"
)

// FormatFromPath infers the document format from a file extension, defaulting
// to JSON.
func FormatFromPath(path string) ConfigFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ParseDocument decodes a configuration document. A missing mcpServers key
// yields an empty document.
func ParseDocument(data []byte, format ConfigFormat) (*Document, error) {
	doc := &Document{}
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, doc)
	default:
		err = json.Unmarshal(data, doc)
	}
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: parse %s config: %w", format, err)
	}
	if doc.MCPServers == nil {
		doc.MCPServers = make(map[string]ServerDescriptor)
	}
	return doc, nil
}

// LoadDocument reads and validates a configuration document from disk.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: read config: %w", err)
	}
	doc, err := ParseDocument(data, FormatFromPath(path))
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return doc, nil
}

func validStreamURL(value any) error {
	raw, _ := value.(string)
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is empty")
	}
	return nil
}
