// Package config holds the backend settings loaded from the user's
// TOML configuration file.
package config

import (
	"fmt"
	"os"

	"github.com/adrg/xdg"
	"github.com/pelletier/go-toml"
)

const configFile = "kms/config.toml"

type Config struct {
	// Card selects /dev/dri/card<N>. Ignored when DevicePath is set.
	Card int `toml:"card,omitempty"`
	// DevicePath overrides the device node entirely.
	DevicePath string `toml:"device_path,omitempty"`

	// DisableConnectors resets all connectors and CRTCs to a known
	// empty state when the session opens, so leftovers from a previous
	// compositor cannot fail the first commit.
	DisableConnectors bool `toml:"disable_connectors,omitempty"`

	// CursorSize is the cursor buffer edge length in pixels. Zero
	// means use the driver's preferred size.
	CursorSize uint32 `toml:"cursor_size,omitempty"`

	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string `toml:"log_level,omitempty"`
}

func Default() *Config {
	return &Config{
		DisableConnectors: true,
		LogLevel:          "info",
	}
}

// Load reads the configuration from path, or from the XDG config
// directories when path is empty. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		found, err := xdg.SearchConfigFile(configFile)
		if err != nil {
			// No config anywhere on the search path.
			return Default(), nil
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	conf := Default()
	if err := toml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return conf, nil
}

// Device returns the device node path the configuration selects.
func (c *Config) Device() string {
	if c.DevicePath != "" {
		return c.DevicePath
	}
	return fmt.Sprintf("/dev/dri/card%d", c.Card)
}
