// Package daemon runs sync on a schedule.
//
// # Scheduling
//
// The Daemon drives a Runner (normally *service.Service) from a robfig/cron
// schedule. Schedules accept standard five-field expressions and the
// descriptors cron understands, such as "@hourly" or "@every 15m":
//
//	d, err := daemon.NewWithConfig(svc, &daemon.Config{
//	    Schedule:   "@every 15m",
//	    RunOnStart: true,
//	    RunTimeout: 10 * time.Minute,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx)
//
// A scheduled tick that fires while the previous run is still going is
// skipped. Runs started elsewhere, for example from the dashboard, are
// rejected by the sync coordinator and logged as skipped.
//
// # Config reload
//
// With ConfigFile and LoadSchedule set, the daemon watches the config file
// and swaps in the new schedule after it changes. Reload failures and invalid
// expressions keep the running schedule.
package daemon
