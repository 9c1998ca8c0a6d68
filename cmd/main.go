package main

import (
	"os"
	"os/signal"
	"syscall"

	"agentrouter/internal/bootstrap"
)

func main() {
	c := bootstrap.NewContainer()
	c.MustInit()

	if err := c.Start(); err != nil {
		c.Log.Errorf("Failed to start: %v", err)
		c.Shutdown()
		os.Exit(1)
	}

	waitForShutdown(c)
	c.Shutdown()
}

// waitForShutdown blocks until SIGINT/SIGTERM or a fatal component error.
// SIGHUP reloads the roster file without restarting.
func waitForShutdown(c *bootstrap.Container) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(signals)

	for {
		select {
		case sig := <-signals:
			if sig == syscall.SIGHUP {
				if err := c.ReloadRoster(); err != nil {
					c.Log.Errorf("Roster reload failed, keeping current roles: %v", err)
				}
				continue
			}
			c.Log.Infow("Shutdown signal received", "signal", sig.String())
			return
		case <-c.Context.Done():
			c.Log.Warn("Application context cancelled")
			return
		}
	}
}
