package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("BOUNCER_DEFAULT_ACCOUNT", "123456789012")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen addr = %s", cfg.ListenAddr)
	}
	if !cfg.TrustEnabled || !cfg.RateLimitEnabled {
		t.Error("trust and rate limiting should default on")
	}
	if cfg.ExecTimeout <= 0 {
		t.Errorf("exec timeout = %s", cfg.ExecTimeout)
	}
}

func TestLoadConfigRequiresDefaultAccount(t *testing.T) {
	t.Setenv("BOUNCER_DEFAULT_ACCOUNT", "")
	if _, err := loadConfig(); err == nil {
		t.Error("missing default account accepted")
	}

	t.Setenv("BOUNCER_DEFAULT_ACCOUNT", "12345")
	if _, err := loadConfig(); err == nil {
		t.Error("short default account accepted")
	}
}

func TestLoadConfigTelegramNeedsChatID(t *testing.T) {
	t.Setenv("BOUNCER_DEFAULT_ACCOUNT", "123456789012")
	t.Setenv("BOUNCER_TELEGRAM_TOKEN", "123:abc")
	t.Setenv("BOUNCER_TELEGRAM_CHAT_ID", "")
	if _, err := loadConfig(); err == nil {
		t.Error("token without chat id accepted")
	}
}

func TestLoadConfigExecTimeout(t *testing.T) {
	t.Setenv("BOUNCER_DEFAULT_ACCOUNT", "123456789012")
	t.Setenv("BOUNCER_EXEC_TIMEOUT", "90s")

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.ExecTimeout != 90*time.Second {
		t.Errorf("exec timeout = %s", cfg.ExecTimeout)
	}

	t.Setenv("BOUNCER_EXEC_TIMEOUT", "nope")
	if _, err := loadConfig(); err == nil {
		t.Error("bad timeout accepted")
	}
}

func TestSplitList(t *testing.T) {
	got := splitList(" 111111111111, 222222222222 ,,")
	if len(got) != 2 || got[0] != "111111111111" || got[1] != "222222222222" {
		t.Errorf("splitList = %v", got)
	}
	if splitList("") != nil {
		t.Error("empty input should yield nil")
	}
}
