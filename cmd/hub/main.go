package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"notifyhub/internal/app"
	"notifyhub/internal/plugin"
	"notifyhub/internal/services/ops"
	"notifyhub/plugins/echo"
	"notifyhub/plugins/metube"
	"notifyhub/plugins/system"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	mt := metube.New()
	a.Plugins().Register(
		mt,
		system.New(),
		echo.New(),
	)

	a.SetOpsHooks(ops.Hooks{
		Status: func(ctx context.Context) (any, error) {
			return mt.StatusReport(ctx), nil
		},
		Check: mt.TriggerScan,
	})

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	// Pet the systemd watchdog when running under Type=notify with
	// WatchdogSec set.
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go func() {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-a.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-a.Done():
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, plugin.StopShutdown)

	if err := a.Err(); err != nil && err != context.Canceled {
		fmt.Println("exited with error:", err)
		os.Exit(1)
	}
}
