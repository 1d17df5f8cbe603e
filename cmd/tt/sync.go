package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	syncer "github.com/mschirtzinger/teamtrack/internal/sync"
	"github.com/mschirtzinger/teamtrack/internal/types"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Pull changed work items from Azure DevOps",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one incremental sync",
	Long: `Pull work items changed since the last successful sync.

Only one run can hold the connection at a time. Items are written chunk by
chunk and the watermark advances with each chunk, so an interrupted run
resumes where it stopped.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := openApp(ctx)
		defer a.Close()

		if !jsonOutput && ui.IsTerminal() {
			a.svc.Coordinator().SetObserver(progressPrinter{})
		}

		result, err := a.svc.RunSync(ctx)
		if errors.Is(err, syncer.ErrAlreadyRunning) && jsonOutput {
			outputJSON(result)
			a.Exit(1)
		}
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(result)
			if !result.Success {
				a.Exit(1)
			}
			return
		}
		printSyncResult(result)
		if !result.Success {
			a.Exit(1)
		}
	},
}

var syncStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the connection's sync state",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		a := openApp(ctx)
		defer a.Close()

		state, err := a.svc.GetSyncState(ctx)
		if err != nil {
			FatalServiceError(err)
		}

		if jsonOutput {
			outputJSON(state)
			return
		}
		printSyncState(state)
	},
}

// progressPrinter reports chunk progress on stderr.
type progressPrinter struct{}

func (progressPrinter) OnSyncStarted(int64, time.Time) {
	fmt.Fprintf(os.Stderr, "%s Syncing...\n", ui.RenderAccent("🔄"))
}

func (progressPrinter) OnSyncProgress(p syncer.Progress) {
	fmt.Fprintf(os.Stderr, "\r   chunk %d/%d  %d items written", p.ChunksDone, p.ChunksTotal, p.Upserted)
}

func (progressPrinter) OnSyncFinished(result *types.SyncResult) {
	if result.Fetched > 0 {
		fmt.Fprintln(os.Stderr)
	}
}

func printSyncResult(r *types.SyncResult) {
	if !r.Success {
		fmt.Printf("%s Sync failed after %v: %s\n", ui.RenderFail(ui.IconFail), r.Duration.Round(time.Millisecond), r.Error)
		if r.Upserted > 0 {
			fmt.Printf("   %d items were saved before the failure; the next run resumes from there.\n", r.Upserted)
		}
		return
	}
	fmt.Printf("%s Sync complete in %v\n", ui.RenderPass(ui.IconPass), r.Duration.Round(time.Millisecond))
	fmt.Printf("   Fetched:   %d\n", r.Fetched)
	fmt.Printf("   Created:   %d\n", r.Created)
	fmt.Printf("   Updated:   %d\n", r.Updated)
	fmt.Printf("   Unchanged: %d\n", r.Unchanged)
	if r.Watermark != nil {
		fmt.Printf("   Watermark: %s #%d\n", r.Watermark.ChangedAt.Format(time.RFC3339), r.Watermark.ExternalID)
	}
}

func printSyncState(s *types.SyncState) {
	fmt.Printf("\n%s %s\n", ui.RenderAccent("Sync state:"), ui.RenderStatus(string(s.Status)))
	fmt.Printf("   Last attempt:   %s\n", formatTime(s.LastAttemptedAt))
	fmt.Printf("   Last completed: %s\n", formatTime(s.LastCompletedAt))
	if s.LastSuccessfulChangedAt != nil && s.LastSuccessfulItemID != nil {
		fmt.Printf("   Watermark:      %s #%d\n", s.LastSuccessfulChangedAt.UTC().Format(time.RFC3339), *s.LastSuccessfulItemID)
	} else {
		fmt.Printf("   Watermark:      %s\n", ui.RenderMuted("none (next run pulls everything)"))
	}
	if s.LastError != "" {
		fmt.Printf("   Last error:     %s\n", ui.RenderFail(s.LastError))
	}
	fmt.Println()
}

func init() {
	syncCmd.AddCommand(syncRunCmd, syncStatusCmd)
	rootCmd.AddCommand(syncCmd)
}
