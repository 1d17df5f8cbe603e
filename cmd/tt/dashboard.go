package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/teamtrack/internal/dashboard"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "advanced",
	Short:   "Start the HTTP API and live WebSocket dashboard",
	Long: `Start the dashboard server.

The server exposes the JSON API under /api and streams events to WebSocket
clients on /ws:
- sync_started, sync_progress: a run took the connection, a chunk was written
- sync_complete, sync_failed: the run finished
- users_imported, items_linked: an import or link command ran
- stats: running totals (also sent on connect)

Example usage:
  tt dashboard                   # Start on the configured port (default 8080)
  tt dashboard --port 9000       # Start on a custom port

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signalContext()
		defer cancel()
		a := openApp(ctx)
		defer a.Close()

		port := a.cfg.Dashboard.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}

		server := startDashboard(a, port)

		addr := server.GetAddr()
		fmt.Printf("Dashboard server started on http://%s\n", addr)
		fmt.Printf("WebSocket endpoint: ws://%s/ws\n", addr)
		fmt.Printf("Health check: http://%s/health\n", addr)
		fmt.Println("\nPress Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down dashboard server...")
		if err := server.Stop(); err != nil {
			FatalError("error during shutdown: %v", err)
		}
		fmt.Println("Dashboard server stopped")
	},
}

// startDashboard starts the server and routes sync, import and link events to
// its WebSocket clients.
func startDashboard(a *app, port int) *dashboard.Server {
	server := dashboard.NewServer(&dashboard.Config{
		Port:    port,
		Backend: a.svc,
		Logger:  a.logger.With("component", "dashboard"),
	})
	handler := dashboard.NewHandler(server, a.logger)
	a.svc.Coordinator().SetObserver(handler)
	a.svc.SetNotifier(handler)

	if err := server.Start(); err != nil {
		FatalError("failed to start dashboard: %v", err)
	}
	return server
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	rootCmd.AddCommand(dashboardCmd)
}
