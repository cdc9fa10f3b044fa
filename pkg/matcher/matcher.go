// Package matcher ranks catalogued MCP tools against free-text requests.
// Ranking runs in two stages: servers are scored against the server intent,
// then the tools of the best servers are scored against the tool intent.
package matcher

import (
	"context"
	"log/slog"
	"sort"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/mcpmgr"
)

const (
	defaultTopServers = 5
	defaultTopTools   = 3
)

// Options configures a Matcher.
type Options struct {
	// TopServers bounds the servers considered in the tool stage. Defaults to 5.
	TopServers int
	// TopTools bounds the tools returned per server. Defaults to 3.
	TopTools int
	Logger   *slog.Logger
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.TopServers <= 0 {
		opts.TopServers = defaultTopServers
	}
	if opts.TopTools <= 0 {
		opts.TopTools = defaultTopTools
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

// scorer returns a similarity in [0, 1] between query and each document.
type scorer interface {
	score(ctx context.Context, query string, docs []string) ([]float64, error)
}

// Matcher implements mcpmgr.Matcher over a Catalog.
type Matcher struct {
	catalog *Catalog
	scorer  scorer
	opts    Options
	logger  *slog.Logger
}

var _ mcpmgr.Matcher = (*Matcher)(nil)

func newMatcher(catalog *Catalog, s scorer, opts *Options) *Matcher {
	if catalog == nil {
		catalog = &Catalog{}
	}
	o := opts.withDefaults()
	return &Matcher{catalog: catalog, scorer: s, opts: o, logger: o.Logger}
}

type rankedServer struct {
	server Server
	score  float64
}

// Match returns candidates ordered by descending score. A candidate's score
// combines its server and tool similarity as s*t*max(s, t).
func (m *Matcher) Match(ctx context.Context, raw string) ([]mcpmgr.Candidate, error) {
	if len(m.catalog.Servers) == 0 {
		return nil, nil
	}
	q := ParseQuery(raw)

	docs := make([]string, len(m.catalog.Servers))
	for i, s := range m.catalog.Servers {
		docs[i] = s.document()
	}
	serverScores, err := m.scorer.score(ctx, q.Server, docs)
	if err != nil {
		return nil, err
	}
	ranked := make([]rankedServer, len(m.catalog.Servers))
	for i, s := range m.catalog.Servers {
		ranked[i] = rankedServer{server: s, score: serverScores[i]}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > m.opts.TopServers {
		ranked = ranked[:m.opts.TopServers]
	}

	var out []mcpmgr.Candidate
	for _, rs := range ranked {
		if len(rs.server.Tools) == 0 {
			continue
		}
		toolDocs := make([]string, len(rs.server.Tools))
		for i, t := range rs.server.Tools {
			toolDocs[i] = t.document()
		}
		toolScores, err := m.scorer.score(ctx, q.Tool, toolDocs)
		if err != nil {
			return nil, err
		}
		perServer := make([]mcpmgr.Candidate, len(rs.server.Tools))
		for i, t := range rs.server.Tools {
			perServer[i] = mcpmgr.Candidate{
				ServerID:    rs.server.ID,
				ToolName:    t.Name,
				Description: t.Description,
				Score:       combine(rs.score, toolScores[i]),
			}
		}
		sort.SliceStable(perServer, func(i, j int) bool { return perServer[i].Score > perServer[j].Score })
		if len(perServer) > m.opts.TopTools {
			perServer = perServer[:m.opts.TopTools]
		}
		out = append(out, perServer...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	m.logger.Debug("matched tools", "servers", len(ranked), "candidates", len(out))
	return out, nil
}

func combine(server, tool float64) float64 {
	return server * tool * max(server, tool)
}
