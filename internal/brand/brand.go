// Package brand holds the product identity: names, default directories and
// the label prefix containers use to declare policy.
//
// The identity is loaded from brand.json at compile time via go:embed so the
// packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all branding information
type Brand struct {
	Name                string `json:"name"`
	LowerName           string `json:"lowerName"`
	Description         string `json:"description"`
	ConfigEnvPrefix     string `json:"configEnvPrefix"`
	DefaultConfigDir    string `json:"defaultConfigDir"`
	DefaultStateDir     string `json:"defaultStateDir"`
	ConfigFileName      string `json:"configFileName"`
	LabelPrefix         string `json:"labelPrefix"`
	TableName           string `json:"tableName"`
	DefaultHealthListen string `json:"defaultHealthListen"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	ConfigFileName = b.ConfigFileName
	LabelPrefix = b.LabelPrefix
	TableName = b.TableName
	DefaultHealthListen = b.DefaultHealthListen
}

var (
	Name                string
	LowerName           string
	Description         string
	ConfigEnvPrefix     string
	DefaultConfigDir    string
	DefaultStateDir     string
	ConfigFileName      string
	LabelPrefix         string
	TableName           string
	DefaultHealthListen string

	// Version is set at build time via -ldflags
	Version   = "dev"
	GitCommit = "unknown"
)

// Get returns the full Brand struct
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP requests
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// GetStateDir returns the data directory, checking env vars first.
// Priority: HARBORSHIELD_STATE_DIR > HARBORSHIELD_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetConfigDir returns the config directory, checking env vars first.
// Priority: HARBORSHIELD_CONFIG_DIR > HARBORSHIELD_PREFIX/config > DefaultConfigDir
func GetConfigDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_CONFIG_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "config")
	}
	return DefaultConfigDir
}

// DefaultConfigPath returns the config file path inside GetConfigDir.
func DefaultConfigPath() string {
	return filepath.Join(GetConfigDir(), ConfigFileName)
}
