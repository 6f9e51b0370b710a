package config

import (
	"context"
	"testing"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	lu := envconfig.MapLookuper(map[string]string{
		"WEBHOOK_SECRET": "s3cr3t",
		"GITHUB_ORG":     "acme",
	})

	var cfg Config
	if err := envconfig.ProcessWith(context.Background(), &cfg, lu); err != nil {
		t.Fatalf("ProcessWith() returned error: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() returned error: %v", err)
	}

	if cfg.MaxRunners != 10 {
		t.Errorf("MaxRunners = %d; want default 10", cfg.MaxRunners)
	}
	if cfg.ScalingPolicy != PolicyBalanced {
		t.Errorf("ScalingPolicy = %q; want default balanced", cfg.ScalingPolicy)
	}
	if len(cfg.PrewarmTemplate) != 3 {
		t.Errorf("PrewarmTemplate = %v; want 3 default templates", cfg.PrewarmTemplate)
	}
}

func TestValidateRejectsBadBounds(t *testing.T) {
	cfg := Config{WebhookSecret: "x", GitHubOrg: "acme", MinRunners: 5, MaxRunners: 2, ScalingPolicy: PolicyBalanced}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil; want error when MaxRunners < MinRunners")
	}
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	cfg := Config{WebhookSecret: "x", GitHubOrg: "acme", MaxRunners: 1, ScalingPolicy: "yolo"}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil; want error for an unknown scaling policy")
	}
}

func TestValidateRequiresNodeIDWhenHAEnabled(t *testing.T) {
	cfg := Config{WebhookSecret: "x", GitHubOrg: "acme", MaxRunners: 1, ScalingPolicy: PolicyBalanced, HAEnabled: true}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() = nil; want error when HAEnabled but NodeID is empty")
	}
}
