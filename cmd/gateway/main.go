package main

import (
	"context"
	"errors"
	"flag"
	"os"

	"moodlegate/lib/configutil"
	"moodlegate/lib/serviceutil"
	"moodlegate/lib/telemetry"
	"moodlegate/services/gateway"
)

func main() {
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	telemetry.InitSlog(*verbose)

	config, err := configutil.Load[gateway.Config]("gateway.json5")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			serviceutil.Fatal("gateway.json5 not found", err)
		}
		serviceutil.Fatal("failed to read gateway.json5", err)
	}

	ctx := serviceutil.SignalContext()

	// telemetry.json5 is optional, without it spans just go nowhere
	tel, err := telemetry.SetupFromEnv(ctx, "gateway")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		serviceutil.Fatal("failed to initialize telemetry", err)
	}
	defer tel.Shutdown(context.Background())

	telemetry.InstrumentPerfStats(ctx)

	g, err := gateway.New(config)
	if err != nil {
		serviceutil.Fatal("failed to initialize gateway", err)
	}
	serviceutil.StartHttpServer(config.Port, g)
}
