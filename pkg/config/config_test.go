package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

type testSection struct {
	PacketID uint16        `default:"35" desc:"asset packet id"`
	Interval time.Duration `default:"250ms" desc:"clock step"`
	Name     string        `default:"asset" desc:"name"`
	Enabled  bool          `default:"true"`
}

type testConfig struct {
	Session testSection
	Level   string `default:"info"`
}

func TestDefaults(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var c testConfig
		var conf Config
		if err := conf.Parse(&c, "TEST"); err != nil {
			t.Fatal(err)
		}
		if c.Session.PacketID != 35 || c.Session.Interval != 250*time.Millisecond || c.Session.Name != "asset" || !c.Session.Enabled {
			t.Errorf("defaults not applied: %+v", c)
		}
		if c.Level != "info" {
			t.Errorf("expected info, got %s", c.Level)
		}
	})
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TEST_SESSION_PACKETID", "100")
	t.Setenv("TEST_SESSION_INTERVAL", "1s")
	var c testConfig
	var conf Config
	if err := conf.Parse(&c, "TEST"); err != nil {
		t.Fatal(err)
	}
	if c.Session.PacketID != 100 {
		t.Errorf("expected env packet id 100, got %d", c.Session.PacketID)
	}
	if c.Session.Interval != time.Second {
		t.Errorf("expected 1s, got %v", c.Session.Interval)
	}
	if err := conf.ParseUserFile(map[string]any{"session": map[string]any{"packetId": 7, "name": "file"}}); err != nil {
		t.Fatal(err)
	}
	if c.Session.PacketID != 100 {
		t.Errorf("env must win over file, got %d", c.Session.PacketID)
	}
	if c.Session.Name != "file" {
		t.Errorf("expected file name, got %s", c.Session.Name)
	}
}

func TestInvalidDuration(t *testing.T) {
	t.Setenv("BAD_SESSION_INTERVAL", "250")
	var c testConfig
	var conf Config
	if err := conf.Parse(&c, "BAD"); err == nil {
		t.Errorf("expected a duration without unit to be rejected")
	}
}

func TestModify(t *testing.T) {
	t.Run(t.Name(), func(t *testing.T) {
		var c testConfig
		var conf Config
		conf.Parse(&c, "MOD")
		conf.ParseModifyFile(map[string]any{
			"session": map[string]any{
				"enabled": true,
			},
		})
		if conf.Modify != nil {
			t.Fail()
		}
		conf.ParseModifyFile(map[string]any{
			"session": map[string]any{
				"enabled": false,
			},
		})
		if conf.Modify == nil || c.Session.Enabled {
			t.Fail()
		}
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte("session:\n  interval: 2s\nlevel: debug\n"), 0644)
	var c testConfig
	if _, err := Load(&c, "LOAD", path); err != nil {
		t.Fatal(err)
	}
	if c.Session.Interval != 2*time.Second || c.Level != "debug" {
		t.Errorf("file values not applied: %+v", c)
	}
}
