package app

import (
	"context"
	"strings"
	"testing"

	"postqueue/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Storage: config.StorageConfig{Path: "./queue.db"},
		Publisher: config.PublisherConfig{
			Enabled: true,
			Workers: 2,
		},
		Driver: config.DriverConfig{Command: "./bridge"},
	}
}

func TestValidateAcceptsWorkingConfig(t *testing.T) {
	if err := validate(context.Background(), baseConfig()); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			"missing storage path",
			func(c *config.Config) { c.Storage.Path = " " },
			"storage.path",
		},
		{
			"negative workers",
			func(c *config.Config) { c.Publisher.Workers = -1 },
			"publisher.workers",
		},
		{
			"negative claim batch",
			func(c *config.Config) { c.Publisher.ClaimBatch = -1 },
			"publisher.claim_batch",
		},
		{
			"bad poll interval",
			func(c *config.Config) { c.Publisher.PollInterval = "fast" },
			"publisher.poll_interval",
		},
		{
			"enabled publisher without driver command",
			func(c *config.Config) { c.Driver.Command = "" },
			"driver.command",
		},
		{
			"enabled intake without dir",
			func(c *config.Config) { c.Intake = &config.IntakeConfig{Enabled: true} },
			"intake.dir",
		},
		{
			"enabled notifier without token",
			func(c *config.Config) { c.Notifier = &config.NotifierConfig{Enabled: true, ChatID: 1} },
			"notifier.token",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			tt.mutate(cfg)
			err := validate(context.Background(), cfg)
			if err == nil {
				t.Fatal("validate accepted a broken config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
