// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package logging

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected level info, got %s", cfg.Level)
	}
	if cfg.Format != "console" {
		t.Errorf("Expected format console, got %s", cfg.Format)
	}
	if cfg.File != "" {
		t.Error("Default should log to stderr, not a file")
	}
}

func TestNewUnknownLevelFallsBack(t *testing.T) {
	// Must not panic and must produce a usable logger
	l := New(Config{Level: "verbose"})
	l.Info("hello", "k", "v")
}

func TestWithComponent(t *testing.T) {
	l := New(DefaultConfig()).WithComponent("flow")
	if l.Component() != "flow" {
		t.Errorf("Component() = %q, want flow", l.Component())
	}
}

func TestSetDefault(t *testing.T) {
	orig := Default()
	defer SetDefault(orig)

	l := New(Config{Level: LevelError})
	SetDefault(l)
	if Default() != l {
		t.Error("SetDefault should replace the default logger")
	}
}
