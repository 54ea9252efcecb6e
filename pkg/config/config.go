// Package config defines the node's configuration surface. The nested
// group structs mirror the teacher's pkg/config/groups.go layout -
// general/logger/network/database groups - generalized to the sync node's
// own concerns (gateway, sync, storage) and loaded through viper rather
// than the teacher's unexported global, since the rest of the retrieval
// pack's tooling (cobra-driven CLIs) consistently reaches for viper to back
// flags and config files together.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration tree for a dusksync node.
type Config struct {
	General  GeneralConfiguration
	Logger   LoggerConfiguration
	Gateway  GatewayConfiguration
	Sync     SyncConfiguration
	Storage  StorageConfiguration
}

// GeneralConfiguration carries node identity.
type GeneralConfiguration struct {
	Network    string
	KeyFile    string
}

// LoggerConfiguration mirrors the teacher's loggerConfiguration group.
type LoggerConfiguration struct {
	Level  string
	Output string
}

// GatewayConfiguration configures the Gateway's listener and seed peers,
// generalizing the teacher's networkConfiguration/seedersConfiguration
// groups.
type GatewayConfiguration struct {
	Port                  string
	SeedAddresses         []string
	MaxConnectionAttempts int
}

// SyncConfiguration holds the block-sync tunables. Only RedundancyFactor is
// passed to the BlockSyncEngine; BlockRequestTimeout and MaxBlockRequests are
// loaded here, but the engine uses the fixed values in pkg/bft/types.
type SyncConfiguration struct {
	RedundancyFactor  int
	BlockRequestTimeout time.Duration
	MaxBlockRequests  int
}

// StorageConfiguration configures CertificateStore retention, generalizing
// the teacher's databaseConfiguration group.
type StorageConfiguration struct {
	MaxGCRounds uint64
}

// Load reads configuration from path (if non-empty) and the environment,
// applying defaults for anything unset. Environment variables are
// prefixed DUSKSYNC_ and use underscores in place of the nested dots, e.g.
// DUSKSYNC_GATEWAY_PORT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DUSKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.network", "mainnet")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("gateway.port", "9000")
	v.SetDefault("gateway.maxconnectionattempts", 10)
	v.SetDefault("sync.redundancyfactor", 1)
	v.SetDefault("sync.blockrequesttimeout", 600*time.Second)
	v.SetDefault("sync.maxblockrequests", 50)
	v.SetDefault("storage.maxgcrounds", uint64(100))
}
