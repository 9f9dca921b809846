package commands

import (
	"context"
	"time"

	"moodlegate/lib/configutil"
	"moodlegate/lib/restyutil"
	"moodlegate/lib/scrapers/moodle/session"
	"moodlegate/lib/serviceutil"
)

type Config struct {
	BaseUrl  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// createClient reads config.json5, logs in and returns a ready
// session client talking straight at the upstream.
func createClient() *session.Client {
	cfg, err := configutil.Load[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config.json5", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*30)
	defer cancel()

	client, err := session.NewClient(ctx, session.ClientOptions{
		GatewayUrl: cfg.BaseUrl,
		Upstream:   cfg.BaseUrl,
		Transcript: restyutil.NewFilesystemOutput(".dev/resty/cli"),
	})
	if err != nil {
		serviceutil.Fatal("failed to initialize moodle client", err)
	}

	err = client.Login(ctx, cfg.Username, cfg.Password)
	if err != nil {
		serviceutil.Fatal("failed to login to moodle", err)
	}
	return client
}
