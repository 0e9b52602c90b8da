package logger

import "testing"

func TestSetLevel(t *testing.T) {
	defer func() { _ = SetLevel("debug") }()

	if err := SetLevel("WARN"); err != nil {
		t.Fatalf("SetLevel: %v", err)
	}
	if got := Level(); got != "warn" {
		t.Errorf("Level: got %q, want warn", got)
	}
	if Named("chat").Core().Enabled(-1) {
		t.Error("named logger should follow the shared level")
	}
}

func TestSetLevel_Invalid(t *testing.T) {
	if err := SetLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestSetup(t *testing.T) {
	prev := Log
	defer func() {
		Log = prev
		_ = SetLevel("debug")
	}()

	if err := Setup("JSON", "info"); err != nil {
		t.Fatal(err)
	}
	if Log == prev || Level() != "info" {
		t.Error("setup did not rebuild the logger")
	}
	if err := Setup("xml", "info"); err == nil {
		t.Error("unknown format accepted")
	}
	if err := Setup("", "loud"); err == nil {
		t.Error("unknown level accepted")
	}
}
