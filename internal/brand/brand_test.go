package brand

import (
	"path/filepath"
	"testing"
)

func TestGet(t *testing.T) {
	b := Get()
	if b.Name == "" {
		t.Error("Brand name should not be empty")
	}
	if Version == "" {
		t.Error("Global Version should be initialized (to dev default)")
	}
	if LabelPrefix == "" || TableName == "" {
		t.Error("label prefix and table name must be set")
	}
}

func TestUserAgent(t *testing.T) {
	if ua := UserAgent("1.0.0"); ua != Name+"/1.0.0" {
		t.Errorf("UserAgent = %q", ua)
	}
	if ua := UserAgent(""); ua != Name+"/dev" {
		t.Errorf("UserAgent default = %q", ua)
	}
}

func TestGetDirectories(t *testing.T) {
	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_CONFIG_DIR", "")
	t.Setenv(ConfigEnvPrefix+"_PREFIX", "")

	if got := GetStateDir(); got != DefaultStateDir {
		t.Errorf("GetStateDir() = %q, want %q", got, DefaultStateDir)
	}

	t.Setenv(ConfigEnvPrefix+"_PREFIX", "/opt/hs")
	if got := GetStateDir(); got != filepath.Join("/opt/hs", "state") {
		t.Errorf("GetStateDir() with prefix = %q", got)
	}
	if got := DefaultConfigPath(); got != filepath.Join("/opt/hs", "config", ConfigFileName) {
		t.Errorf("DefaultConfigPath() with prefix = %q", got)
	}

	t.Setenv(ConfigEnvPrefix+"_STATE_DIR", "/data")
	if got := GetStateDir(); got != "/data" {
		t.Errorf("GetStateDir() with override = %q", got)
	}
}
