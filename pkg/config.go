package btrfshash

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-ini/ini"
)

// Default configuration values
const (
	DefaultMountInfo = "/proc/self/mountinfo"
	DefaultFSType    = "btrfs"
	DefaultNodeCache = "16M"
)

// Config represents the btrfs-hash configuration
type Config struct {
	configPath string
	ini        *ini.File
}

// VerboseConfig represents verbosity configuration
type VerboseConfig struct {
	Level int    // Default verbose level (0=quiet, 1=basic, 2=detailed, 3=trace)
	Debug string // Default debug flags (comma-separated)
}

// MountConfig represents how files are mapped to devices
type MountConfig struct {
	MountInfo string // Mount table to read
	FSType    string // Filesystem type to match in the mount table
}

// IndexConfig represents checksum index lookup configuration
type IndexConfig struct {
	Enabled     bool   // Try the checksum index before reading the file
	NodeCache   string // Tree block cache size (default: "16M")
	VerifyNodes bool   // Verify tree block checksums while reading
}

// AllConfig represents all configuration options
type AllConfig struct {
	Verbose *VerboseConfig
	Mount   *MountConfig
	Index   *IndexConfig
}

// DefaultConfigPath returns $XDG_CONFIG_HOME/btrfs-hash/config, falling back
// to ~/.config/btrfs-hash/config
func DefaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "btrfs-hash", "config")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "btrfs-hash", "config")
}

// LoadConfig loads configuration from configPath. A missing file is not an
// error: the defaults are used and nothing is written.
func LoadConfig(configPath string) (*Config, error) {
	cfg := &Config{
		configPath: configPath,
	}

	if configPath == "" {
		cfg.ini = ini.Empty()
		return cfg, cfg.setDefaults()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg.ini = ini.Empty()
		if err := cfg.setDefaults(); err != nil {
			return nil, fmt.Errorf("failed to set default config: %w", err)
		}
	} else {
		iniFile, err := ini.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg.ini = iniFile
	}

	return cfg, nil
}

// Path returns the file the configuration was loaded from or is saved to
func (c *Config) Path() string {
	return c.configPath
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() error {
	defaults := []struct {
		section, key, value string
	}{
		{"verbose", "level", "0"},
		{"verbose", "debug", ""},
		{"mount", "mountinfo", DefaultMountInfo},
		{"mount", "fstype", DefaultFSType},
		{"index", "enabled", "true"},
		{"index", "node_cache", DefaultNodeCache},
		{"index", "verify_nodes", "false"},
	}

	for _, d := range defaults {
		section, err := c.ini.NewSection(d.section)
		if err != nil {
			return fmt.Errorf("failed to create %s section: %w", d.section, err)
		}
		if _, err := section.NewKey(d.key, d.value); err != nil {
			return fmt.Errorf("failed to set default %s.%s: %w", d.section, d.key, err)
		}
	}
	return nil
}

// GetVerboseConfig returns the verbose configuration
func (c *Config) GetVerboseConfig() *VerboseConfig {
	verboseConfig := &VerboseConfig{
		Level: 0,  // fallback default
		Debug: "", // fallback default
	}

	if c.ini.HasSection("verbose") {
		section := c.ini.Section("verbose")
		if section.HasKey("level") {
			if level, err := section.Key("level").Int(); err == nil {
				verboseConfig.Level = level
			}
		}
		if section.HasKey("debug") {
			verboseConfig.Debug = section.Key("debug").String()
		}
	}

	return verboseConfig
}

// GetMountConfig returns the mount table configuration
func (c *Config) GetMountConfig() *MountConfig {
	mountConfig := &MountConfig{
		MountInfo: DefaultMountInfo,
		FSType:    DefaultFSType,
	}

	if c.ini.HasSection("mount") {
		section := c.ini.Section("mount")
		if v := section.Key("mountinfo").String(); v != "" {
			mountConfig.MountInfo = v
		}
		if v := section.Key("fstype").String(); v != "" {
			mountConfig.FSType = v
		}
	}

	return mountConfig
}

// GetIndexConfig returns the checksum index configuration
func (c *Config) GetIndexConfig() *IndexConfig {
	indexConfig := &IndexConfig{
		Enabled:     true,
		NodeCache:   DefaultNodeCache,
		VerifyNodes: false,
	}

	if c.ini.HasSection("index") {
		section := c.ini.Section("index")
		if section.HasKey("enabled") {
			if enabled, err := section.Key("enabled").Bool(); err == nil {
				indexConfig.Enabled = enabled
			}
		}
		if v := section.Key("node_cache").String(); v != "" {
			indexConfig.NodeCache = v
		}
		if section.HasKey("verify_nodes") {
			if verify, err := section.Key("verify_nodes").Bool(); err == nil {
				indexConfig.VerifyNodes = verify
			}
		}
	}

	return indexConfig
}

// GetAllConfig returns all configuration options
func (c *Config) GetAllConfig() *AllConfig {
	return &AllConfig{
		Verbose: c.GetVerboseConfig(),
		Mount:   c.GetMountConfig(),
		Index:   c.GetIndexConfig(),
	}
}

// NodeCacheBytes returns the configured tree block cache size in bytes
func (c *Config) NodeCacheBytes() (int, error) {
	return ParseHumanSize(c.GetIndexConfig().NodeCache)
}

// Save saves the configuration to its path, creating the directory
func (c *Config) Save() error {
	if c.configPath == "" {
		return fmt.Errorf("no configuration path")
	}
	if err := os.MkdirAll(filepath.Dir(c.configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return c.ini.SaveTo(c.configPath)
}

// ApplyOverrides applies command-line overrides to the configuration
// Accepts strings like "level:2", "debug:lookup", "mountinfo:/tmp/mi", "enabled:false"
func (c *Config) ApplyOverrides(overrides []string) error {
	for _, override := range overrides {
		parts := strings.SplitN(override, ":", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid override format '%s', expected 'key:value'", override)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		var section string
		switch key {
		case "level":
			level := 0
			if _, err := fmt.Sscanf(value, "%d", &level); err != nil {
				return fmt.Errorf("invalid verbose level '%s'", value)
			}
			if err := ValidateVerboseLevel(level); err != nil {
				return err
			}
			section = "verbose"
		case "debug":
			section = "verbose"
		case "mountinfo", "fstype":
			section = "mount"
		case "enabled", "verify_nodes":
			if err := ValidateBool(value); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			section = "index"
		case "node_cache":
			if _, err := ParseHumanSize(value); err != nil {
				return fmt.Errorf("node_cache: %w", err)
			}
			section = "index"
		default:
			return fmt.Errorf("unsupported override key '%s' (supported: level, debug, mountinfo, fstype, enabled, node_cache, verify_nodes)", key)
		}

		c.ini.Section(section).Key(key).SetValue(value)
	}

	return nil
}

// ValidateVerboseLevel validates that a verbose level is valid
func ValidateVerboseLevel(level int) error {
	if level < 0 || level > 3 {
		return fmt.Errorf("invalid verbose level: %d (supported: 0-3)", level)
	}
	return nil
}

// ValidateBool validates a boolean setting the way go-ini parses it
func ValidateBool(value string) error {
	switch strings.ToLower(value) {
	case "1", "t", "true", "y", "yes", "on", "0", "f", "false", "n", "no", "off":
		return nil
	default:
		return fmt.Errorf("invalid boolean value: %s", value)
	}
}
