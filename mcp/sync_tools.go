package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/strata"
)

// maxListedOperations caps how many pending changes strata_status prints.
const maxListedOperations = 20

// handlePush handles the strata_push tool call.
func (s *Server) handlePush(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	res, err := ds.Push(ctx)
	if err != nil {
		return failure("push", err), nil
	}
	return &ToolResult{Content: formatPushResult(res), IsError: !res.OK()}, nil
}

// handlePull handles the strata_pull tool call.
func (s *Server) handlePull(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	q, err := queryFromArgs(args)
	if err != nil {
		return errorResult("invalid query: %v", err), nil
	}
	full, _ := args["full"].(bool)
	records, err := ds.Pull(ctx, q, strata.PullOptions{DisableDeltaSet: full})
	if err != nil {
		return failure("pull", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Pulled %s: %d records cached", ds.Collection(), len(records))}, nil
}

// handleSync handles the strata_sync tool call.
func (s *Server) handleSync(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	q, err := queryFromArgs(args)
	if err != nil {
		return errorResult("invalid query: %v", err), nil
	}
	res, err := ds.Sync(ctx, q)
	if res == nil {
		return failure("sync", err), nil
	}

	var sb strings.Builder
	sb.WriteString(formatPushResult(res.Push))
	sb.WriteString("\n")
	if !res.Push.OK() {
		sb.WriteString("Pull skipped: failed changes remain queued.")
		return &ToolResult{Content: sb.String(), IsError: true}, nil
	}
	if err != nil {
		sb.WriteString(failure("pull", err).Content)
		return &ToolResult{Content: sb.String(), IsError: true}, nil
	}
	sb.WriteString(fmt.Sprintf("Pulled %s: %d records cached", ds.Collection(), len(res.Records)))
	return &ToolResult{Content: sb.String()}, nil
}

// handlePurge handles the strata_purge tool call.
func (s *Server) handlePurge(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	q, err := queryFromArgs(args)
	if err != nil {
		return errorResult("invalid query: %v", err), nil
	}
	n, err := ds.Purge(q)
	if err != nil {
		return failure("purge", err), nil
	}
	return &ToolResult{Content: fmt.Sprintf("Discarded %d pending changes in %s", n, ds.Collection())}, nil
}

// handleStatus handles the strata_status tool call.
func (s *Server) handleStatus(ctx context.Context, args map[string]any) (*ToolResult, error) {
	ds, bad := s.storeFor(args)
	if bad != nil {
		return bad, nil
	}
	stats, err := ds.Stats()
	if err != nil {
		return failure("status", err), nil
	}
	ops, err := ds.PendingOperations()
	if err != nil {
		return failure("status", err), nil
	}
	return &ToolResult{Content: formatStatus(stats, ops)}, nil
}

func formatPushResult(res *strata.PushResult) string {
	if res.OK() {
		if res.Succeeded == 0 {
			return "Nothing to push."
		}
		return fmt.Sprintf("Pushed %d changes.", res.Succeeded)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Pushed %d changes, %d failed:\n", res.Succeeded, len(res.Errors)))
	for _, f := range res.Errors {
		sb.WriteString(fmt.Sprintf("  - %s %s: %v\n", f.Operation.Kind, f.Operation.EntityID, f.Err))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatStatus(stats *strata.Stats, ops []strata.PendingOperation) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Collection: %s (tag %s)\n", stats.Collection, stats.Tag))
	sb.WriteString(fmt.Sprintf("  Cached records: %d\n", stats.RecordCount))
	sb.WriteString(fmt.Sprintf("  Pending changes: %d\n", stats.PendingCount))
	sb.WriteString(fmt.Sprintf("  Last pull: %s\n", formatRelativeTime(stats.LastPull)))

	if len(ops) > 0 {
		sb.WriteString("\nPending:\n")
		for i, op := range ops {
			if i == maxListedOperations {
				sb.WriteString(fmt.Sprintf("  ... and %d more\n", len(ops)-i))
				break
			}
			sb.WriteString(fmt.Sprintf("  %d. %s %s (queued %s)\n",
				i+1, op.Kind, op.EntityID, formatRelativeTime(op.QueuedAt)))
		}
	}
	return sb.String()
}

// formatRelativeTime formats a timestamp as relative time (e.g., "2h ago").
func formatRelativeTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}

	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
