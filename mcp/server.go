// Package mcp exposes Strata data stores as MCP (Model Context Protocol)
// tools, so agents can read, write and synchronize collections over stdio.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hyperengineering/strata"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server wraps the MCP server with Strata tools.
type Server struct {
	client    *strata.Client
	defaults  strata.StoreOptions
	mcpServer *server.MCPServer
	session   *RecordSession

	handlers map[string]toolHandler
	tools    []ToolInfo

	mu     sync.Mutex
	stores map[string]*strata.DataStore
}

// ToolResult represents the result of a tool call.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolInfo represents a registered tool.
type ToolInfo struct {
	Name        string
	Description string
}

type toolHandler func(ctx context.Context, args map[string]any) (*ToolResult, error)

// NewServer creates an MCP server whose tools open stores on client with
// the given defaults. A tool call may override the mode per call.
func NewServer(client *strata.Client, defaults strata.StoreOptions) *Server {
	s := &Server{
		client:   client,
		defaults: defaults,
		session:  NewRecordSession(),
		handlers: map[string]toolHandler{},
		stores:   map[string]*strata.DataStore{},
	}

	s.mcpServer = server.NewMCPServer(
		"strata",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run serves MCP over stdin/stdout.
func (s *Server) Run() error {
	return server.ServeStdio(s.mcpServer)
}

// HandleMessage processes a raw JSON-RPC message and returns a response.
// This is primarily for testing the MCP protocol layer.
func (s *Server) HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage {
	return s.mcpServer.HandleMessage(ctx, message)
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []ToolInfo {
	out := make([]ToolInfo, len(s.tools))
	copy(out, s.tools)
	return out
}

// Session returns the record refs handed out so far.
func (s *Server) Session() *RecordSession {
	return s.session
}

// CallTool executes a tool by name with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	h, ok := s.handlers[name]
	if !ok {
		return &ToolResult{Content: fmt.Sprintf("unknown tool: %s", name), IsError: true}, nil
	}
	if args == nil {
		args = map[string]any{}
	}
	return h(ctx, args)
}

func (s *Server) addTool(tool mcp.Tool, h toolHandler) {
	s.handlers[tool.Name] = h
	s.tools = append(s.tools, ToolInfo{Name: tool.Name, Description: tool.Description})
	s.mcpServer.AddTool(tool, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, err := h(ctx, req.GetArguments())
		if err != nil {
			return nil, err
		}
		return toMCPResult(result), nil
	})
}

func collectionArg() mcp.ToolOption {
	return mcp.WithString("collection",
		mcp.Description("Collection name"),
		mcp.Required(),
	)
}

func modeArg() mcp.ToolOption {
	return mcp.WithString("mode",
		mcp.Description("Store mode for this call: network, cache, sync or auto (default: server setting)"),
	)
}

func queryArgs() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithObject("query",
			mcp.Description(`Filter document, e.g. {"age":{"$gte":30}}. A JSON string is also accepted.`),
		),
		mcp.WithString("sort",
			mcp.Description("Comma-separated sort fields; prefix with - for descending, e.g. -age,name"),
		),
		mcp.WithNumber("skip",
			mcp.Description("Number of matching records to skip"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of records to return"),
		),
	}
}

func (s *Server) registerTools() {
	s.addTool(mcp.NewTool("strata_find",
		append([]mcp.ToolOption{
			mcp.WithDescription("Find records in a collection. Results carry session refs (R1, R2, ...) usable as ids in later calls."),
			collectionArg(),
			modeArg(),
		}, queryArgs()...)...,
	), s.handleFind)

	s.addTool(mcp.NewTool("strata_get",
		mcp.WithDescription("Fetch one record by id or session ref."),
		mcp.WithString("id",
			mcp.Description("Record id or session ref (R1, R2, ...)"),
			mcp.Required(),
		),
		mcp.WithString("collection",
			mcp.Description("Collection name (optional when id is a session ref)"),
		),
		modeArg(),
	), s.handleGet)

	s.addTool(mcp.NewTool("strata_count",
		append([]mcp.ToolOption{
			mcp.WithDescription("Count records matching a filter, ignoring skip and limit."),
			collectionArg(),
			modeArg(),
		}, queryArgs()...)...,
	), s.handleCount)

	s.addTool(mcp.NewTool("strata_save",
		mcp.WithDescription("Create or update a record. A record without _id is created; offline creates get a temporary id until pushed."),
		collectionArg(),
		mcp.WithObject("record",
			mcp.Description("The record document; _id selects an update. A JSON string is also accepted."),
			mcp.Required(),
		),
		modeArg(),
	), s.handleSave)

	s.addTool(mcp.NewTool("strata_remove",
		append([]mcp.ToolOption{
			mcp.WithDescription("Remove one record by id or session ref, or every record matching a filter."),
			mcp.WithString("collection",
				mcp.Description("Collection name (optional when id is a session ref)"),
			),
			mcp.WithString("id",
				mcp.Description("Record id or session ref; when omitted, query selects the records"),
			),
			modeArg(),
		}, queryArgs()...)...,
	), s.handleRemove)

	s.addTool(mcp.NewTool("strata_push",
		mcp.WithDescription("Push pending local changes for a collection to the remote service."),
		collectionArg(),
	), s.handlePush)

	s.addTool(mcp.NewTool("strata_pull",
		append([]mcp.ToolOption{
			mcp.WithDescription("Refresh the local cache of a collection from the remote service. Refused while local changes are pending."),
			collectionArg(),
			mcp.WithBoolean("full",
				mcp.Description("Force a full pull instead of a delta set"),
			),
		}, queryArgs()...)...,
	), s.handlePull)

	s.addTool(mcp.NewTool("strata_sync",
		append([]mcp.ToolOption{
			mcp.WithDescription("Push pending changes, then pull when the push succeeded completely."),
			collectionArg(),
		}, queryArgs()...)...,
	), s.handleSync)

	s.addTool(mcp.NewTool("strata_purge",
		append([]mcp.ToolOption{
			mcp.WithDescription("Discard pending local changes whose payload matches the filter (all when no filter) without contacting the remote service."),
			collectionArg(),
		}, queryArgs()...)...,
	), s.handlePurge)

	s.addTool(mcp.NewTool("strata_status",
		mcp.WithDescription("Show cached record count, pending changes and last pull time for a collection."),
		collectionArg(),
	), s.handleStatus)
}

func toMCPResult(r *ToolResult) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: r.Content,
			},
		},
		IsError: r.IsError,
	}
}

func errorResult(format string, a ...any) *ToolResult {
	return &ToolResult{Content: fmt.Sprintf(format, a...), IsError: true}
}

// failure renders an operation error for the agent.
func failure(op string, err error) *ToolResult {
	var re *strata.RemoteError
	switch {
	case errors.Is(err, strata.ErrOffline):
		return errorResult("%s failed: no remote service configured (offline)", op)
	case errors.Is(err, strata.ErrPendingChanges):
		return errorResult("%s failed: local changes are pending; push or purge them first", op)
	case errors.Is(err, strata.ErrModeUnsupported):
		return errorResult("%s failed: not available in network mode", op)
	case strata.IsConnectivity(err):
		return errorResult("%s failed: remote service unreachable: %v", op, err)
	case errors.As(err, &re) && re.NotFound():
		return errorResult("%s failed: not found", op)
	default:
		return errorResult("%s failed: %v", op, err)
	}
}

// store returns the data store for a collection in the requested mode.
func (s *Server) store(collection string, args map[string]any) (*strata.DataStore, error) {
	opts := s.defaults
	if m, ok := args["mode"].(string); ok && m != "" {
		mode, err := strata.ParseMode(m)
		if err != nil {
			return nil, err
		}
		opts.Mode = mode
	}

	key := collection + "\x00" + string(opts.Mode)
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.stores[key]; ok {
		return ds, nil
	}
	ds, err := s.client.DataStore(collection, opts)
	if err != nil {
		return nil, err
	}
	s.stores[key] = ds
	return ds, nil
}

// storeFor opens the store named by the collection argument.
func (s *Server) storeFor(args map[string]any) (*strata.DataStore, *ToolResult) {
	collection, _ := args["collection"].(string)
	if collection == "" {
		return nil, errorResult("collection is required")
	}
	ds, err := s.store(collection, args)
	if err != nil {
		return nil, errorResult("invalid store: %v", err)
	}
	return ds, nil
}

// target resolves an id argument that may be a session ref.
func (s *Server) target(args map[string]any) (collection, id string) {
	collection, _ = args["collection"].(string)
	id, _ = args["id"].(string)
	if ref, ok := s.session.Resolve(id); ok {
		if collection == "" || collection == ref.Collection {
			return ref.Collection, ref.ID
		}
	}
	return collection, id
}

// queryFromArgs builds a query from the filter, sort, skip and limit
// arguments, reusing the remote wire encoding.
func queryFromArgs(args map[string]any) (*strata.Query, error) {
	v := url.Values{}
	switch f := args["query"].(type) {
	case nil:
	case string:
		if f != "" {
			v.Set("query", f)
		}
	case map[string]any:
		data, err := json.Marshal(f)
		if err != nil {
			return nil, err
		}
		v.Set("query", string(data))
	default:
		return nil, fmt.Errorf("query must be an object, got %T", f)
	}
	if sortBy, ok := args["sort"].(string); ok {
		v.Set("sort", sortBy)
	}
	for _, name := range []string{"skip", "limit"} {
		if n, ok := args[name].(float64); ok {
			v.Set(name, strconv.Itoa(int(n)))
		}
	}
	return strata.ParseQuery(v)
}

func recordFromArgs(args map[string]any) (strata.Record, error) {
	var data []byte
	switch r := args["record"].(type) {
	case string:
		data = []byte(r)
	case map[string]any:
		var err error
		if data, err = json.Marshal(r); err != nil {
			return strata.Record{}, err
		}
	case nil:
		return strata.Record{}, errors.New("record is required")
	default:
		return strata.Record{}, fmt.Errorf("record must be an object, got %T", r)
	}
	var rec strata.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return strata.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (s *Server) handleFind(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	q, err := queryFromArgs(args)
	if err != nil {
		return errorResult("invalid query: %v", err), nil
	}
	records, err := ds.Find(ctx, q)
	if err != nil {
		return failure("find", err), nil
	}
	return &ToolResult{Content: s.formatRecords(ds.Collection(), records)}, nil
}

func (s *Server) handleGet(ctx context.Context, args map[string]any) (*ToolResult, error) {
	collection, id := s.target(args)
	if id == "" {
		return errorResult("id is required"), nil
	}
	if collection == "" {
		return errorResult("collection is required unless id is a session ref"), nil
	}
	ds, err := s.store(collection, args)
	if err != nil {
		return errorResult("invalid store: %v", err), nil
	}
	r, err := ds.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, strata.ErrNotFound) {
			return errorResult("no record %s in %s", id, collection), nil
		}
		return failure("get", err), nil
	}
	ref := s.session.Track(collection, r.ID)
	body, _ := json.MarshalIndent(r, "", "  ")
	return &ToolResult{Content: fmt.Sprintf("[%s] %s/%s\n%s", ref, collection, r.ID, body)}, nil
}

func (s *Server) handleCount(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	q, err := queryFromArgs(args)
	if err != nil {
		return errorResult("invalid query: %v", err), nil
	}
	n, err := ds.Count(ctx, q)
	if err != nil {
		return failure("count", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("%d records in %s", n, ds.Collection())}, nil
}

func (s *Server) handleSave(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	rec, err := recordFromArgs(args)
	if err != nil {
		return errorResult("invalid record: %v", err), nil
	}
	if ref, ok := s.session.Resolve(rec.ID); ok && ref.Collection == ds.Collection() {
		rec.ID = ref.ID
	}
	saved, err := ds.Save(ctx, rec)
	if err != nil {
		return failure("save", err), nil
	}
	ref := s.session.Track(ds.Collection(), saved.ID)
	out := fmt.Sprintf("Saved [%s] %s/%s", ref, ds.Collection(), saved.ID)
	if strata.IsTempID(saved.ID) {
		out += " (queued for push)"
	}
	return &ToolResult{Content: out}, nil
}

func (s *Server) handleRemove(ctx context.Context, args map[string]any) (*ToolResult, error) {
	collection, id := s.target(args)
	if collection == "" {
		return errorResult("collection is required unless id is a session ref"), nil
	}
	ds, err := s.store(collection, args)
	if err != nil {
		return errorResult("invalid store: %v", err), nil
	}

	var n int
	if id != "" {
		n, err = ds.RemoveByID(ctx, id)
		if err == nil {
			s.session.Forget(collection, id)
		}
	} else {
		q, qerr := queryFromArgs(args)
		if qerr != nil {
			return errorResult("invalid query: %v", qerr), nil
		}
		n, err = ds.Remove(ctx, q)
	}
	if err != nil {
		return failure("remove", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Removed %d records from %s", n, collection)}, nil
}

// formatRecords lists records with their session refs.
func (s *Server) formatRecords(collection string, records []strata.Record) string {
	if len(records) == 0 {
		return fmt.Sprintf("No matching records in %s.", collection)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Found %d records in %s:\n\n", len(records), collection))
	for _, r := range records {
		ref := s.session.Track(collection, r.ID)
		sb.WriteString(fmt.Sprintf("[%s] %s\n", ref, r.ID))
		sb.WriteString(fmt.Sprintf("    %s\n", compactFields(r)))
	}
	sb.WriteString("\nUse session refs (R1, R2, ...) as ids in strata_get, strata_save and strata_remove.")
	return sb.String()
}

// compactFields renders user fields in key order, truncated for display.
func compactFields(r strata.Record) string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(r.Fields[k])
		parts = append(parts, k+"="+truncate(string(v), 60))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
