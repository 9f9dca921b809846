package main

import (
	"context"
	"moodlegate/cmd/moodlegate-cli/commands"
	"moodlegate/lib/telemetry"
)

func main() {
	telemetry.SetupFromEnv(context.Background(), "moodlegate-cli")
	telemetry.InitSlog(true)
	commands.ExecuteContext(context.Background())
}
