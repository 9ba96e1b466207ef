package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/strata"
	"github.com/spf13/cobra"
)

var (
	pullQuery  queryFlags
	syncQuery  queryFlags
	purgeQuery queryFlags
	clearQuery queryFlags
	pullFull   bool
)

var pushCmd = &cobra.Command{
	Use:   "push <collection>",
	Short: "Push pending local changes",
	Long: `Replay queued creates, updates and deletes against the remote service.

Changes that fail stay queued; later changes to the same record wait behind
them. The command exits non-zero when any change failed.`,
	Args: cobra.ExactArgs(1),
	RunE: runPush,
}

var pullCmd = &cobra.Command{
	Use:   "pull <collection>",
	Short: "Refresh the local cache from the remote service",
	Long: `Fetch matching records into the local cache and drop cached records the
service no longer has. Refused while local changes are pending.`,
	Example: `  strata pull books
  strata pull books --delta-set
  strata pull books -q '{"read":false}' --full`,
	Args: cobra.ExactArgs(1),
	RunE: runPull,
}

var syncCmd = &cobra.Command{
	Use:   "sync <collection>",
	Short: "Push pending changes, then pull",
	Args:  cobra.ExactArgs(1),
	RunE:  runSync,
}

var purgeCmd = &cobra.Command{
	Use:   "purge <collection>",
	Short: "Discard pending local changes without pushing them",
	Args:  cobra.ExactArgs(1),
	RunE:  runPurge,
}

var clearCmd = &cobra.Command{
	Use:   "clear <collection>",
	Short: "Remove records from the local cache only",
	Args:  cobra.ExactArgs(1),
	RunE:  runClear,
}

// errPushIncomplete makes the process exit non-zero after a partial push.
var errPushIncomplete = errors.New("push incomplete: some changes remain queued")

func init() {
	pullQuery.register(pullCmd, false)
	syncQuery.register(syncCmd, false)
	purgeQuery.register(purgeCmd, false)
	clearQuery.register(clearCmd, false)
	pullCmd.Flags().BoolVar(&pullFull, "full", false, "Force a full pull even when a delta set is available")

	rootCmd.AddCommand(pushCmd, pullCmd, syncCmd, purgeCmd, clearCmd)
}

func runPush(cmd *cobra.Command, args []string) error {
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	start := time.Now()
	res, err := await(ctx, cmd.ErrOrStderr(), "Pushing "+ds.Collection(), ds.PushAsync(ctx))
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if err := outputPushResult(cmd, res, time.Since(start)); err != nil {
		return err
	}
	if !res.OK() {
		return errPushIncomplete
	}
	return nil
}

func runPull(cmd *cobra.Command, args []string) error {
	q, err := pullQuery.build()
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

	start := time.Now()
	f := ds.PullAsync(ctx, q, strata.PullOptions{DisableDeltaSet: pullFull})
	records, err := await(ctx, cmd.ErrOrStderr(), "Pulling "+ds.Collection(), f)
	if errors.Is(err, strata.ErrPendingChanges) {
		n, _ := ds.SyncCount()
		return fmt.Errorf("pull: %d local changes are pending; push or purge them first", n)
	}
	if err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]any{
			"records":     len(records),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
	printSuccess(cmd.OutOrStdout(), "Pulled %s: %d records cached (took %s)",
		ds.Collection(), len(records), time.Since(start).Round(time.Millisecond))
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	q, err := syncQuery.build()
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

	start := time.Now()
	res, err := ds.Sync(ctx, q)
	if res == nil {
		return fmt.Errorf("sync: %w", err)
	}
	if perr := outputPushResult(cmd, res.Push, time.Since(start)); perr != nil {
		return perr
	}
	if !res.Push.OK() {
		printWarning(cmd.ErrOrStderr(), "Pull skipped: failed changes remain queued")
		return errPushIncomplete
	}
	if err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if !outputJSON {
		printSuccess(cmd.OutOrStdout(), "Pulled %s: %d records cached", ds.Collection(), len(res.Records))
	}
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	q, err := purgeQuery.build()
	if err != nil {
		return err
	}
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := ds.Purge(q)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int{"discarded": n})
	}
	printSuccess(cmd.OutOrStdout(), "Discarded %d pending changes in %s", n, ds.Collection())
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	q, err := clearQuery.build()
	if err != nil {
		return err
	}
	client, ds, err := openStore(args[0])
	if err != nil {
		return err
	}
	defer client.Close()

	n, err := ds.Clear(q)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int{"removed": n})
	}
	printSuccess(cmd.OutOrStdout(), "Removed %d cached records from %s", n, ds.Collection())
	return nil
}
