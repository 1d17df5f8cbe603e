package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/config"
	"github.com/mschirtzinger/teamtrack/internal/daemon"
	"github.com/mschirtzinger/teamtrack/internal/dashboard"
	"github.com/mschirtzinger/teamtrack/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run sync on a schedule",
	Long: `Run incremental sync on the schedule in sync.schedule.

Schedules are cron expressions ("*/15 * * * *") or descriptors ("@hourly",
"@every 15m"). A tick that fires while a run is still going is skipped.
Editing the config file swaps in the new schedule without a restart.

With dashboard.enabled (or --dashboard) the dashboard is served alongside.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := openApp(ctx)
		defer a.Close()

		withDashboard := a.cfg.Dashboard.Enabled
		if cmd.Flags().Changed("dashboard") {
			withDashboard, _ = cmd.Flags().GetBool("dashboard")
		}

		cfgFile := a.cfg.File
		d, err := daemon.NewWithConfig(a.svc, &daemon.Config{
			Schedule:         a.cfg.Sync.Schedule,
			RunOnStart:       a.cfg.Sync.RunOnStart,
			RunTimeout:       a.cfg.Sync.RunTimeout,
			ConfigFile:       cfgFile,
			LoadSchedule:     scheduleLoader(cfgFile),
			DebounceInterval: daemon.DefaultDebounce,
			Logger:           a.logger,
		})
		if err != nil {
			FatalError("%v", err)
		}

		var server *dashboard.Server
		if withDashboard {
			server = startDashboard(a, a.cfg.Dashboard.Port)
			fmt.Printf("Dashboard: http://%s\n", server.GetAddr())
		}

		fmt.Printf("%s Daemon running (schedule %s). Press Ctrl+C to stop.\n",
			ui.RenderAccent("⏱"), d.Schedule())
		if cfgFile == "" {
			WarnError("no config file found; schedule changes need a restart")
		}

		if err := d.Start(ctx); err != nil {
			FatalError("daemon failed: %v", err)
		}
		if server != nil {
			if err := server.Stop(); err != nil {
				WarnError("dashboard shutdown: %v", err)
			}
		}
		fmt.Println("Daemon stopped")
	},
}

func scheduleLoader(path string) daemon.ScheduleLoader {
	if path == "" {
		return nil
	}
	return func() (string, error) {
		cfg, err := config.Load(path)
		if err != nil {
			return "", err
		}
		return cfg.Sync.Schedule, nil
	}
}

func init() {
	daemonCmd.Flags().Bool("dashboard", false, "Serve the dashboard alongside (default: dashboard.enabled)")
	rootCmd.AddCommand(daemonCmd)
}
