package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/hyperengineering/strata"
	"github.com/spf13/cobra"
)

// outputAsJSON writes v as indented JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints err to w without leaking credentials.
func outputError(w io.Writer, err error) {
	printError(w, "Error: %s", scrubSensitiveData(err.Error()))
}

// scrubSensitiveData redacts the configured token and app key.
func scrubSensitiveData(msg string) string {
	if settings == nil {
		return msg
	}
	for _, key := range []string{"auth_token", "app_key"} {
		if secret := settings.GetString(key); secret != "" {
			msg = strings.ReplaceAll(msg, secret, "[REDACTED]")
		}
	}
	return msg
}

func formatID(id string) string {
	if strata.IsTempID(id) {
		return render(tempIDStyle, id) + " " + render(mutedStyle, "(not pushed)")
	}
	return render(idStyle, id)
}

// outputRecords prints records in the configured format.
func outputRecords(cmd *cobra.Command, collection string, records []strata.Record) error {
	if outputJSON {
		if records == nil {
			records = []strata.Record{}
		}
		return outputAsJSON(cmd, records)
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintf(out, "No matching records in %s.\n", collection)
		return nil
	}
	fmt.Fprintf(out, "%d records in %s:\n\n", len(records), collection)
	for _, r := range records {
		fmt.Fprintf(out, "%s\n", formatID(r.ID))
		fmt.Fprintf(out, "    %s\n", formatFields(r))
	}
	return nil
}

// outputRecord prints one record in full.
func outputRecord(cmd *cobra.Command, r strata.Record) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}

	out := cmd.OutOrStdout()
	printField(out, "ID", formatID(r.ID))
	if r.Meta != nil {
		if !r.Meta.LastModifiedTime.IsZero() {
			printField(out, "Modified", r.Meta.LastModifiedTime.Format(time.RFC3339))
		}
		if !r.Meta.EntityCreationTime.IsZero() {
			printField(out, "Created", r.Meta.EntityCreationTime.Format(time.RFC3339))
		}
	}
	if r.ACL != nil && r.ACL.Creator != "" {
		printField(out, "Creator", r.ACL.Creator)
	}
	body, err := json.MarshalIndent(r.Fields, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(body))
	return nil
}

// formatFields renders user fields as sorted key=value pairs.
func formatFields(r strata.Record) string {
	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, _ := json.Marshal(r.Fields[k])
		parts = append(parts, render(mutedStyle, k+"=")+truncate(string(v), 60))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// pushOutput is the JSON form of a push result.
type pushOutput struct {
	Pushed     int             `json:"pushed"`
	Failed     []failureOutput `json:"failed,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

type failureOutput struct {
	Kind     strata.OperationKind `json:"kind"`
	EntityID string               `json:"entity_id"`
	Error    string               `json:"error"`
}

// outputPushResult prints a push result.
func outputPushResult(cmd *cobra.Command, res *strata.PushResult, took time.Duration) error {
	if outputJSON {
		po := pushOutput{Pushed: res.Succeeded, DurationMs: took.Milliseconds()}
		for _, f := range res.Errors {
			po.Failed = append(po.Failed, failureOutput{
				Kind:     f.Operation.Kind,
				EntityID: f.Operation.EntityID,
				Error:    scrubSensitiveData(f.Err.Error()),
			})
		}
		return outputAsJSON(cmd, po)
	}

	out := cmd.OutOrStdout()
	if res.OK() {
		printSuccess(out, "Pushed %d changes (took %s)", res.Succeeded, took.Round(time.Millisecond))
		return nil
	}
	printWarning(out, "Pushed %d changes, %d failed", res.Succeeded, len(res.Errors))
	for _, f := range res.Errors {
		fmt.Fprintf(out, "  %s %s: %s\n", f.Operation.Kind, f.Operation.EntityID, scrubSensitiveData(f.Err.Error()))
	}
	return nil
}

// statusOutput is the JSON form of the status command.
type statusOutput struct {
	*strata.Stats
	Mode    strata.StoreMode          `json:"mode"`
	Pending []strata.PendingOperation `json:"pending"`
}

// outputStatus prints partition statistics and the pending changes.
func outputStatus(cmd *cobra.Command, mode strata.StoreMode, stats *strata.Stats, ops []strata.PendingOperation) error {
	if outputJSON {
		if ops == nil {
			ops = []strata.PendingOperation{}
		}
		return outputAsJSON(cmd, statusOutput{Stats: stats, Mode: mode, Pending: ops})
	}

	out := cmd.OutOrStdout()
	printField(out, "Collection", stats.Collection)
	printField(out, "Tag", stats.Tag)
	printField(out, "Mode", mode)
	printField(out, "Cached records", stats.RecordCount)
	printField(out, "Pending changes", stats.PendingCount)
	if stats.LastPull.IsZero() {
		printField(out, "Last pull", "never")
	} else {
		printField(out, "Last pull", fmt.Sprintf("%s (%s ago)",
			stats.LastPull.Format(time.RFC3339), time.Since(stats.LastPull).Round(time.Second)))
	}

	if len(ops) > 0 {
		fmt.Fprintln(out)
		for i, op := range ops {
			fmt.Fprintf(out, "  %d. %-6s %s\n", i+1, op.Kind, formatID(op.EntityID))
		}
	}
	return nil
}
