package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ahmadzakiakmal/bftledger/consensus"
	"github.com/spf13/viper"
)

// Store backends accepted by LEDGER_STORE
const (
	StoreBadger   = "badger"
	StorePostgres = "postgres"
	StoreSqlite   = "sqlite"
)

// Config is the node configuration. Every key can be set from the
// environment by upper-casing it and replacing dots with underscores,
// e.g. tendermint.host is TENDERMINT_HOST.
type Config struct {
	Tendermint TendermintConfig `mapstructure:"tendermint"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
}

type TendermintConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Timeout is a Go duration string. Zero disables it.
	Timeout time.Duration `mapstructure:"timeout"`
}

type LedgerConfig struct {
	Store       string `mapstructure:"store"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	DataDir     string `mapstructure:"data_dir"`
	HTTPPort    string `mapstructure:"http_port"`
	CmtHome     string `mapstructure:"cmt_home"`
}

// New returns a viper instance with defaults and environment binding set up
func New() *viper.Viper {
	v := viper.New()
	def := consensus.DefaultConfig()
	v.SetDefault("tendermint.host", def.Host)
	v.SetDefault("tendermint.port", def.Port)
	v.SetDefault("tendermint.timeout", "0s")
	v.SetDefault("ledger.store", StoreBadger)
	v.SetDefault("ledger.postgres_dsn", "")
	v.SetDefault("ledger.data_dir", "")
	v.SetDefault("ledger.http_port", "9984")
	v.SetDefault("ledger.cmt_home", "./node-config/node0")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file into v and decodes the result
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the combinations Load cannot express through defaults
func (c *Config) Validate() error {
	switch c.Ledger.Store {
	case StoreBadger, StoreSqlite:
	case StorePostgres:
		if c.Ledger.PostgresDSN == "" {
			return fmt.Errorf("ledger.postgres_dsn is required when ledger.store is %q", StorePostgres)
		}
	default:
		return fmt.Errorf("unknown ledger.store %q: must be one of %s, %s, %s", c.Ledger.Store, StoreBadger, StorePostgres, StoreSqlite)
	}
	if c.Tendermint.Port <= 0 || c.Tendermint.Port > 65535 {
		return fmt.Errorf("tendermint.port %d out of range", c.Tendermint.Port)
	}
	if c.Tendermint.Timeout < 0 {
		return fmt.Errorf("tendermint.timeout must not be negative")
	}
	return nil
}

// ConsensusConfig is the submitter's view of the configuration
func (c *Config) ConsensusConfig() consensus.Config {
	return consensus.Config{
		Host:    c.Tendermint.Host,
		Port:    c.Tendermint.Port,
		Timeout: c.Tendermint.Timeout,
	}
}
