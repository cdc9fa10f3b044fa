package matcher

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// Tool is one tool advertised by a catalogued server.
type Tool struct {
	Name        string
	Description string
}

// Server is a catalogued server and its tools.
type Server struct {
	// ID is the configuration key used to route calls to the server.
	ID          string
	Name        string
	Description string
	Tools       []Tool
}

// Catalog is the set of servers a Matcher ranks over.
type Catalog struct {
	Servers []Server
}

// LoadCatalog reads a discovery output file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("matcher: read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog builds a catalog from discovery output: a JSON array of
// entries whose "tools" object maps server ids to
// {server_name, version, tools: [{name, description}]}. Entries without
// tools are skipped. Servers are ordered by id.
func ParseCatalog(data []byte) (*Catalog, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("matcher: catalog is not valid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("matcher: catalog must be a JSON array")
	}
	seen := make(map[string]bool)
	cat := &Catalog{}
	root.ForEach(func(_, entry gjson.Result) bool {
		description := entry.Get("description").String()
		entry.Get("tools").ForEach(func(key, info gjson.Result) bool {
			id := key.String()
			if id == "" || seen[id] {
				return true
			}
			seen[id] = true
			srv := Server{
				ID:          id,
				Name:        info.Get("server_name").String(),
				Description: description,
			}
			if srv.Name == "" {
				srv.Name = id
			}
			for _, t := range info.Get("tools").Array() {
				name := t.Get("name").String()
				if name == "" {
					continue
				}
				srv.Tools = append(srv.Tools, Tool{Name: name, Description: t.Get("description").String()})
			}
			cat.Servers = append(cat.Servers, srv)
			return true
		})
		return true
	})
	sort.Slice(cat.Servers, func(i, j int) bool { return cat.Servers[i].ID < cat.Servers[j].ID })
	return cat, nil
}

func (s Server) document() string {
	var b strings.Builder
	b.WriteString(s.Name)
	if s.Description != "" {
		b.WriteString(": ")
		b.WriteString(s.Description)
	}
	for _, t := range s.Tools {
		b.WriteString("\n")
		b.WriteString(t.document())
	}
	return b.String()
}

func (t Tool) document() string {
	if t.Description == "" {
		return t.Name
	}
	return t.Name + ": " + t.Description
}
