package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"devicecore-go/services/config"

	"github.com/sirupsen/logrus"
)

func TestSetup_FileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "device.log")
	l, closer, err := Setup(config.LogConfig{
		Level:  "debug",
		Format: "json",
		File:   config.LogFileConfig{Path: path, MaxSizeMB: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %s", l.GetLevel())
	}

	Component(l, "battery").WithField("pct", 42).Info("health changed")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &rec); err != nil {
		t.Fatalf("not JSON: %q", raw)
	}
	if rec["component"] != "battery" || rec["msg"] != "health changed" || rec["pct"] != float64(42) {
		t.Fatalf("record = %v", rec)
	}
}

func TestSetup_BadLevelFallsBack(t *testing.T) {
	l, _, err := Setup(config.LogConfig{Level: "chatty"})
	if err != nil {
		t.Fatal(err)
	}
	if l.GetLevel() != logrus.InfoLevel {
		t.Fatalf("level = %s", l.GetLevel())
	}
}
