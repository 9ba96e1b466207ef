package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hyperengineering/strata"
	"github.com/spf13/cobra"
)

var (
	findQuery   queryFlags
	countQuery  queryFlags
	removeQuery queryFlags
	saveFile    string
	removeAll   bool
)

var findCmd = &cobra.Command{
	Use:   "find <collection>",
	Short: "Find records",
	Example: `  strata find books
  strata find books -q '{"pages":{"$gt":300}}' -s -pages -n 10
  strata find books --mode cache --json`,
	Args: cobra.ExactArgs(1),
	RunE: runFind,
}

var getCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Fetch one record by id",
	Args:  cobra.ExactArgs(2),
	RunE:  runGet,
}

var countCmd = &cobra.Command{
	Use:   "count <collection>",
	Short: "Count matching records",
	Args:  cobra.ExactArgs(1),
	RunE:  runCount,
}

var saveCmd = &cobra.Command{
	Use:   "save <collection> [record-json]",
	Short: "Create or update a record",
	Long: `Create or update a record. The record is read from the argument, from
--file, or from stdin when neither is given. A record with _id is an update.

In sync mode, or in auto mode while the service is unreachable, the change
is queued locally and new records get a temporary id until pushed.`,
	Example: `  strata save books '{"title":"Dune","pages":412}'
  strata save books --file book.json
  echo '{"_id":"b1","title":"Emma"}' | strata save books`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSave,
}

var removeCmd = &cobra.Command{
	Use:   "remove <collection> [id]",
	Short: "Remove a record by id, or records matching a filter",
	Example: `  strata remove books b1
  strata remove books -q '{"read":true}'
  strata remove books --all`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runRemove,
}

func init() {
	findQuery.register(findCmd, true)
	countQuery.register(countCmd, false)
	removeQuery.register(removeCmd, false)
	saveCmd.Flags().StringVarP(&saveFile, "file", "f", "", "Read the record from a JSON file")
	removeCmd.Flags().BoolVar(&removeAll, "all", false, "Remove every record in the collection")

	rootCmd.AddCommand(findCmd, getCmd, countCmd, saveCmd, removeCmd)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout := settings.GetDuration("timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// Allow paginated pulls and pushes several round trips.
	return context.WithTimeout(cmd.Context(), 4*timeout)
}

func runFind(cmd *cobra.Command, args []string) error {
	q, err := findQuery.build()
	if err != nil {
		return err
	}
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	records, err := ds.Find(ctx, q)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}
	return outputRecords(cmd, ds.Collection(), records)
}

func runGet(cmd *cobra.Command, args []string) error {
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	r, err := ds.FindByID(ctx, args[1])
	if err != nil {
		return fmt.Errorf("get %s: %w", args[1], err)
	}
	return outputRecord(cmd, r)
}

func runCount(cmd *cobra.Command, args []string) error {
	q, err := countQuery.build()
	if err != nil {
		return err
	}
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	n, err := ds.Count(ctx, q)
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int{"count": n})
	}
	fmt.Fprintln(cmd.OutOrStdout(), n)
	return nil
}

func readRecord(cmd *cobra.Command, args []string) (strata.Record, error) {
	var data []byte
	var err error
	switch {
	case len(args) == 2:
		data = []byte(args[1])
	case saveFile != "":
		data, err = os.ReadFile(saveFile)
	default:
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return strata.Record{}, fmt.Errorf("read record: %w", err)
	}

	var r strata.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return strata.Record{}, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

func runSave(cmd *cobra.Command, args []string) error {
	r, err := readRecord(cmd, args)
	if err != nil {
		return err
	}
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	saved, err := ds.Save(ctx, r)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, saved)
	}
	printSuccess(cmd.OutOrStdout(), "Saved %s/%s", ds.Collection(), formatID(saved.ID))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	var q *strata.Query
	if len(args) == 1 {
		var err error
		if q, err = removeQuery.build(); err != nil {
			return err
		}
		if !q.IsFiltered() && !removeAll {
			return fmt.Errorf("refusing to remove every record in %s without --all", args[0])
		}
	}

	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	var n int
	if len(args) == 2 {
		n, err = ds.RemoveByID(ctx, args[1])
	} else {
		n, err = ds.Remove(ctx, q)
	}
	if err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int{"count": n})
	}
	printSuccess(cmd.OutOrStdout(), "Removed %d records from %s", n, ds.Collection())
	return nil
}
