// Command devicecore runs the device coordination core: battery, network
// and power coordinators on one event bus, polled by the heartbeat, with an
// optional serial bridge, telemetry API and MQTT uplink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"devicecore-go/services/config"
	"devicecore-go/services/logging"

	"github.com/spf13/pflag"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := pflag.NewFlagSet("devicecore", pflag.ContinueOnError)
	profile := fs.StringP("profile", "p", "", "embedded configuration profile (host, pico)")
	cfgPath := fs.StringP("config", "c", "", "YAML file overlaid on the profile")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*profile, *cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	logger, closer, err := logging.Setup(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		return 2
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger, stop)
	if err != nil {
		logging.Component(logger, "main").WithError(err).Error("startup failed")
		return 1
	}
	a.run(ctx)
	return 0
}
