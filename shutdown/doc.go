// Package shutdown runs ordered teardown for the kvbeat daemon.
//
// Handlers are grouped by phase. Lower phases run first, handlers within a
// phase run concurrently, and every handler shares the shutdown deadline:
//
//	coord := shutdown.New(shutdown.DefaultConfig())
//	coord.Register("monitor", 10, stopMonitor)
//	coord.Register("sinks", 20, closeSinks)
//	coord.Register("metrics-http", 30, srv.Shutdown)
//
//	ctx := coord.NotifyContext(context.Background())
//	<-ctx.Done()
//	err := coord.ShutdownWithTimeout(0)
package shutdown
