// Package discovery connects to every server of a descriptor list, records
// the tools each one exposes and persists the results so later runs only
// retry what is missing.
//
// Input is a JSON array of entries shaped {"name": ..., "config":
// {"mcpServers": {...}}}. Successful entries are copied to the output with a
// "tools" object added, keyed by server; names of failed entries go to a
// sibling error_tools.json. Entries already present in the output are
// skipped.
package discovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vikashloomba/mcp-session-pool-go/pkg/mcpmgr"
)

const (
	defaultConcurrency = 5
	defaultTimeout     = 180 * time.Second
	toolsFileName      = "tools.json"
	errorsFileName     = "error_tools.json"
	indent             = "    "
)

// ServerInfo is what discovery records for one server.
type ServerInfo struct {
	ServerName string      `json:"server_name"`
	Version    string      `json:"version"`
	Tools      []*mcp.Tool `json:"tools"`
}

// Options configures a discovery run.
type Options struct {
	// InputPath is the descriptor list. Required.
	InputPath string
	// OutputPath receives the tools file. Defaults to tools.json next to
	// InputPath. error_tools.json is written beside it.
	OutputPath string
	// Concurrency bounds simultaneous connection attempts. Defaults to 5.
	Concurrency int
	// Timeout bounds each server's connect and tool listing. Defaults to 180s.
	Timeout time.Duration
	// Pool tunes the sessions opened during the run. MaxSessions is raised
	// to Concurrency when lower.
	Pool   mcpmgr.PoolOptions
	Logger *slog.Logger
}

func (o *Options) normalized() (Options, error) {
	if o == nil || o.InputPath == "" {
		return Options{}, fmt.Errorf("discovery: input path is required")
	}
	opts := *o
	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(filepath.Dir(opts.InputPath), toolsFileName)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Pool.MaxSessions < opts.Concurrency {
		opts.Pool.MaxSessions = opts.Concurrency
	}
	if opts.Pool.ConnectTimeout <= 0 || opts.Pool.ConnectTimeout > opts.Timeout {
		opts.Pool.ConnectTimeout = opts.Timeout
	}
	if opts.Pool.Logger == nil {
		opts.Pool.Logger = opts.Logger
	}
	return opts, nil
}

// ErrorsPath returns the error_tools.json path for an output path.
func ErrorsPath(outputPath string) string {
	return filepath.Join(filepath.Dir(outputPath), errorsFileName)
}

// Report summarizes a run.
type Report struct {
	// Total is the number of entries in the input.
	Total int
	// Skipped counts entries already present in the output.
	Skipped int
	// Succeeded and Failed list entry names processed in this run.
	Succeeded []string
	Failed    []string
	// Stored is the number of entries in the output after the run.
	Stored     int
	OutputPath string
	ErrorsPath string
	Duration   time.Duration
}

type entry struct {
	name string
	raw  []byte
}

// Run performs one discovery pass. Output files are written even when ctx
// is cancelled part way, so completed work is kept.
func Run(ctx context.Context, o *Options) (*Report, error) {
	opts, err := o.normalized()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	logger := opts.Logger

	inputs, err := readArray(opts.InputPath)
	if err != nil {
		return nil, err
	}
	existing, err := readExisting(opts.OutputPath, logger)
	if err != nil {
		return nil, err
	}
	visitedNames := make(map[string]bool, len(existing))
	for _, raw := range existing {
		if name := gjson.GetBytes(raw, "name").String(); name != "" {
			visitedNames[name] = true
		}
	}

	report := &Report{
		Total:      len(inputs),
		OutputPath: opts.OutputPath,
		ErrorsPath: ErrorsPath(opts.OutputPath),
	}

	var (
		entries []*entry
		descs   []mcpmgr.ServerDescriptor
		visited = make(map[string]bool)
		failed  = make(map[string]bool)
	)
	for _, raw := range inputs {
		name := gjson.GetBytes(raw, "name").String()
		if name == "" {
			logger.Warn("skipping entry without name")
			continue
		}
		e := &entry{name: name, raw: raw}
		if visitedNames[name] {
			report.Skipped++
		}
		doc, err := mcpmgr.ParseDocument([]byte(gjson.GetBytes(raw, "config").Raw), mcpmgr.FormatJSON)
		if err == nil {
			err = doc.Validate()
		}
		if err != nil || len(doc.MCPServers) == 0 {
			if !visitedNames[name] {
				logger.Warn("entry has no usable servers", "entry", name, "error", err)
				failed[name] = true
				entries = append(entries, e)
			}
			continue
		}
		for _, d := range doc.Descriptors() {
			d.ID = descriptorID(name, d.ID)
			descs = append(descs, d)
			if visitedNames[name] {
				visited[d.ID] = true
			}
		}
		if !visitedNames[name] {
			entries = append(entries, e)
		}
	}
	logger.Info("discovery starting", "entries", len(entries), "skipped", report.Skipped, "concurrency", opts.Concurrency)

	pool := mcpmgr.NewPool(&opts.Pool)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := pool.Shutdown(shutdownCtx); err != nil {
			logger.Warn("discovery pool shutdown incomplete", "error", err)
		}
	}()
	batch := mcpmgr.NewBatchConnector(pool, &mcpmgr.BatchOptions{
		Concurrency: opts.Concurrency,
		Timeout:     opts.Timeout,
		Logger:      logger,
	})
	successes, failures := batch.ConnectAll(ctx, descs, visited, probeTools(logger))

	infos := make(map[string]map[string]*ServerInfo)
	for _, s := range successes {
		name, key := splitDescriptorID(s.ID)
		info, _ := s.Value.(*ServerInfo)
		if info == nil {
			continue
		}
		if infos[name] == nil {
			infos[name] = make(map[string]*ServerInfo)
		}
		infos[name][key] = info
	}
	for _, f := range failures {
		name, _ := splitDescriptorID(f.ID)
		failed[name] = true
	}

	stored := append([][]byte(nil), existing...)
	for _, e := range entries {
		if failed[e.name] || len(infos[e.name]) == 0 {
			if !failed[e.name] {
				logger.Warn("no tools found", "entry", e.name)
			}
			report.Failed = append(report.Failed, e.name)
			continue
		}
		tools, err := json.Marshal(infos[e.name])
		if err != nil {
			return nil, fmt.Errorf("discovery: encode tools for %q: %w", e.name, err)
		}
		patched, err := sjson.SetRawBytes(e.raw, "tools", tools)
		if err != nil {
			return nil, fmt.Errorf("discovery: patch %q: %w", e.name, err)
		}
		stored = append(stored, patched)
		report.Succeeded = append(report.Succeeded, e.name)
	}
	report.Stored = len(stored)

	if err := writeArray(opts.OutputPath, stored); err != nil {
		return nil, err
	}
	if err := writeErrors(report.ErrorsPath, report.Failed); err != nil {
		return nil, err
	}
	report.Duration = time.Since(start)
	logger.Info("discovery finished", "succeeded", len(report.Succeeded), "failed", len(report.Failed), "stored", report.Stored)
	return report, ctx.Err()
}

// LoadDocument merges the server descriptors of every entry in a discovery
// file into one configuration document. The first entry defining a server
// key wins; entries whose config fails to parse or validate are skipped.
func LoadDocument(path string) (*mcpmgr.Document, error) {
	items, err := readArray(path)
	if err != nil {
		return nil, err
	}
	doc := &mcpmgr.Document{MCPServers: make(map[string]mcpmgr.ServerDescriptor)}
	for _, raw := range items {
		cfg := gjson.GetBytes(raw, "config")
		if !cfg.IsObject() {
			continue
		}
		entryDoc, err := mcpmgr.ParseDocument([]byte(cfg.Raw), mcpmgr.FormatJSON)
		if err != nil || entryDoc.Validate() != nil {
			continue
		}
		for _, d := range entryDoc.Descriptors() {
			if _, dup := doc.MCPServers[d.ID]; !dup {
				doc.MCPServers[d.ID] = d
			}
		}
	}
	return doc, nil
}

// probeTools lists a session's tools. Listing failures leave the server out
// of the entry rather than failing it.
func probeTools(logger *slog.Logger) mcpmgr.ProbeFunc {
	return func(ctx context.Context, s *mcpmgr.Session) (any, error) {
		tools, err := s.ListTools(ctx)
		if err != nil {
			logger.Warn("list tools failed", "server", s.ServerID, "error", err)
			return nil, nil
		}
		_, key := splitDescriptorID(s.ServerID)
		info := &ServerInfo{ServerName: key, Tools: tools}
		if impl := s.ServerInfo(); impl != nil {
			info.Version = impl.Version
		}
		return info, nil
	}
}

// descriptorID joins an entry name and a server key. Entry names may contain
// slashes, server keys are split at the last one.
func descriptorID(entryName, serverKey string) string {
	return entryName + "/" + serverKey
}

func splitDescriptorID(id string) (entryName, serverKey string) {
	i := strings.LastIndexByte(id, '/')
	if i < 0 {
		return id, ""
	}
	return id[:i], id[i+1:]
}

func readArray(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", path, err)
	}
	return parseArray(data, path)
}

func parseArray(data []byte, path string) ([][]byte, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("discovery: %s is not valid JSON", path)
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, fmt.Errorf("discovery: %s must hold a JSON array", path)
	}
	var out [][]byte
	for _, item := range root.Array() {
		if item.IsObject() {
			out = append(out, []byte(item.Raw))
		}
	}
	return out, nil
}

func readExisting(path string, logger *slog.Logger) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("discovery: read %s: %w", path, err)
	}
	out, err := parseArray(data, path)
	if err != nil {
		logger.Warn("existing output unreadable, starting fresh", "path", path, "error", err)
		return nil, nil
	}
	return out, nil
}

func writeArray(path string, items [][]byte) error {
	var compact bytes.Buffer
	compact.WriteByte('[')
	for i, item := range items {
		if i > 0 {
			compact.WriteByte(',')
		}
		compact.Write(item)
	}
	compact.WriteByte(']')
	var out bytes.Buffer
	if err := json.Indent(&out, compact.Bytes(), "", indent); err != nil {
		return fmt.Errorf("discovery: format %s: %w", path, err)
	}
	return writeFile(path, out.Bytes())
}

func writeErrors(path string, names []string) error {
	if names == nil {
		names = []string{}
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	data, err := json.MarshalIndent(sorted, "", indent)
	if err != nil {
		return err
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("discovery: create output dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("discovery: write %s: %w", path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("discovery: write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("discovery: write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("discovery: write %s: %w", path, err)
	}
	return nil
}
