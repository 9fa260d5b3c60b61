// Package brand provides centralized product identity constants.
//
// The identity is loaded from brand.json at compile time via go:embed so
// that packaging scripts can read the same file.
package brand

import (
	_ "embed"
	"encoding/json"
	"os"
	"path/filepath"
)

//go:embed brand.json
var brandJSON []byte

// Brand holds all product identity information.
type Brand struct {
	Name             string `json:"name"`
	LowerName        string `json:"lowerName"`
	Vendor           string `json:"vendor"`
	Website          string `json:"website"`
	Repository       string `json:"repository"`
	Description      string `json:"description"`
	ConfigEnvPrefix  string `json:"configEnvPrefix"`
	DefaultConfigDir string `json:"defaultConfigDir"`
	DefaultStateDir  string `json:"defaultStateDir"`
	DefaultRunDir    string `json:"defaultRunDir"`
	BinaryName       string `json:"binaryName"`
	ServiceName      string `json:"serviceName"`
	ConfigFileName   string `json:"configFileName"`
}

var b Brand

func init() {
	if err := json.Unmarshal(brandJSON, &b); err != nil {
		panic("failed to parse brand.json: " + err.Error())
	}

	Name = b.Name
	LowerName = b.LowerName
	Vendor = b.Vendor
	Website = b.Website
	Repository = b.Repository
	Description = b.Description
	ConfigEnvPrefix = b.ConfigEnvPrefix
	DefaultConfigDir = b.DefaultConfigDir
	DefaultStateDir = b.DefaultStateDir
	DefaultRunDir = b.DefaultRunDir
	BinaryName = b.BinaryName
	ServiceName = b.ServiceName
	ConfigFileName = b.ConfigFileName
}

// Exported variables for convenience
var (
	Name             string
	LowerName        string
	Vendor           string
	Website          string
	Description      string
	Repository       string
	ConfigEnvPrefix  string
	DefaultConfigDir string
	DefaultStateDir  string
	DefaultRunDir    string
	BinaryName       string
	ServiceName      string
	ConfigFileName   string

	// Version is set at build time via -ldflags
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// DefaultPort is the loopback port the daemon listens on. Pages embed this
// value, so it is policy-fixed rather than freely configurable.
const DefaultPort = 5624

// Get returns the full Brand struct.
func Get() Brand {
	return b
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent(version string) string {
	if version == "" {
		version = "dev"
	}
	return Name + "/" + version
}

// GetStateDir returns the state directory, checking env vars first.
// Priority: CERNVM_WEBAPI_STATE_DIR > CERNVM_WEBAPI_PREFIX/state > DefaultStateDir
func GetStateDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_STATE_DIR"); dir != "" {
		return dir
	}
	if prefix := os.Getenv(ConfigEnvPrefix + "_PREFIX"); prefix != "" {
		return filepath.Join(prefix, "state")
	}
	return DefaultStateDir
}

// GetRunDir returns the runtime directory, checking env vars first.
func GetRunDir() string {
	if dir := os.Getenv(ConfigEnvPrefix + "_RUN_DIR"); dir != "" {
		return dir
	}
	return DefaultRunDir
}
