package run

import (
	"math"
	"os"
	"os/user"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/hajournal/hajournal"
	"github.com/hajournal/hajournal/coordinator"
	"github.com/hajournal/hajournal/failover"
	"github.com/hajournal/hajournal/halog"
	"github.com/hajournal/hajournal/logger"
	"github.com/hajournal/hajournal/pipeline"
	"github.com/hajournal/hajournal/quorum"
	"github.com/hajournal/hajournal/resync"
	itoml "github.com/hajournal/hajournal/toml"
)

const (
	// DefaultBindAddress is the address the replica's HTTP endpoints bind.
	DefaultBindAddress = "127.0.0.1:7810"

	// DefaultStrategy is the storage strategy a fresh journal is created
	// with.
	DefaultStrategy = "rw"
)

// Config represents the configuration format for the hajournald binary.
type Config struct {
	Journal     JournalConfig        `toml:"journal"`
	HALog       halog.Config         `toml:"halog"`
	Pipeline    pipeline.Config      `toml:"pipeline"`
	Coordinator coordinator.Config   `toml:"coordinator"`
	Quorum      quorum.Config        `toml:"quorum"`
	Monitor     quorum.MonitorConfig `toml:"monitor"`
	Resync      resync.Config        `toml:"resync"`
	Failover    failover.Config      `toml:"failover"`
	HTTP        HTTPConfig           `toml:"http"`
	Logging     logger.Config        `toml:"logging"`
}

// JournalConfig holds the journal's data directory and storage strategy.
type JournalConfig struct {
	// Dir is the root data directory. The replica identity, the root block
	// slots and the committed image live under it; the log directory
	// defaults to a subdirectory unless [halog] names its own.
	Dir string `toml:"dir"`

	// Strategy is the storage strategy, "rw" or "worm". It binds on first
	// start; an existing journal keeps the strategy it was created with.
	Strategy string `toml:"strategy"`

	// PageSize is the page granularity of the committed image, e.g. "16k".
	// It binds when the image file is first created; zero keeps the engine
	// default.
	PageSize itoml.Size `toml:"page-size"`
}

// Validate returns an error if the settings are unusable.
func (c JournalConfig) Validate() error {
	if c.Dir == "" {
		return errors.New("journal dir must be specified")
	}
	if _, err := hajournal.ParseStorageStrategy(c.Strategy); err != nil {
		return err
	}
	if c.PageSize > math.MaxInt32 {
		return errors.Errorf("journal page-size %d is too large", uint64(c.PageSize))
	}
	return nil
}

// HTTPConfig holds the settings of the inter-replica HTTP endpoints.
type HTTPConfig struct {
	BindAddress string `toml:"bind-address"`
}

// Validate returns an error if the settings are unusable.
func (c HTTPConfig) Validate() error {
	if c.BindAddress == "" {
		return errors.New("http bind-address must be specified")
	}
	return nil
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	c := &Config{}
	c.Journal.Strategy = DefaultStrategy
	c.HALog = halog.NewConfig()
	c.Pipeline = pipeline.NewConfig()
	c.Coordinator = coordinator.NewConfig()
	c.Quorum = quorum.NewConfig()
	c.Monitor = quorum.NewMonitorConfig()
	c.Resync = resync.NewConfig()
	c.Failover = failover.NewConfig()
	c.HTTP.BindAddress = DefaultBindAddress
	c.Logging = logger.NewConfig()
	return c
}

// NewDemoConfig returns the config that runs when no config is specified:
// a standalone replica storing under the current user's home directory.
func NewDemoConfig() (*Config, error) {
	c := NewConfig()

	var homeDir string
	u, err := user.Current()
	if err == nil {
		homeDir = u.HomeDir
	} else if os.Getenv("HOME") != "" {
		homeDir = os.Getenv("HOME")
	} else {
		return nil, errors.New("failed to determine current user for storage")
	}

	c.Journal.Dir = filepath.Join(homeDir, ".hajournald", "data")
	c.HALog.Dir = filepath.Join(homeDir, ".hajournald", "halog")
	return c, nil
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	// Strip a Byte-Order-Mark a Windows editor may have left behind.
	bom := unicode.BOMOverride(transform.Nop)
	bs, _, err = transform.Bytes(bom, bs)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

// FromToml loads the config from TOML.
func (c *Config) FromToml(input string) error {
	_, err := toml.Decode(input, c)
	return err
}

// Validate returns an error if the config is invalid. An empty member list
// is legal: the replica runs standalone, a quorum of itself.
func (c *Config) Validate() error {
	if err := c.Journal.Validate(); err != nil {
		return err
	}
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Coordinator.Validate(); err != nil {
		return err
	}
	if len(c.Quorum.Members) > 0 {
		if err := c.Quorum.Validate(); err != nil {
			return err
		}
	}
	if err := c.Monitor.Validate(); err != nil {
		return err
	}
	if err := c.Resync.Validate(); err != nil {
		return err
	}
	if err := c.Failover.Validate(); err != nil {
		return err
	}
	return c.HTTP.Validate()
}

// ApplyEnvOverrides applies the environment configuration on top of the
// config, HAJOURNALD_SECTION_KEY naming each field.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	return itoml.ApplyEnvOverrides(getenv, "HAJOURNALD", c)
}
