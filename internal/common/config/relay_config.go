package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/kandev/relay/internal/common/logger"
)

// RelayProcessConfig is the standalone relay binary's configuration (spec
// §4.4): where to dial, how to authenticate, and the identity/sandbox
// details it registers with on connect. Loaded separately from the server
// Config since the relay runs as its own process, often on a different
// host, with no database or event bus of its own.
type RelayProcessConfig struct {
	ServerURL   string   `mapstructure:"server_url"`
	Token       string   `mapstructure:"token"`
	RelayID     string   `mapstructure:"relay_id"`
	Name        string   `mapstructure:"name"`
	Role        string   `mapstructure:"role"`
	SafePaths   []string `mapstructure:"safe_paths"`
	Labels      []string `mapstructure:"labels"`
	Projects    []string `mapstructure:"projects"`
	SetupScript string   `mapstructure:"setup_script"`
	BufferSize  int      `mapstructure:"buffer_size"`

	Logging    logger.Config      `mapstructure:"logging"`
	Docker     RelayDockerConfig  `mapstructure:"docker"`
	AgentTypes []RelayAgentType   `mapstructure:"agent_types"`
}

// RelayAgentType is an operator-defined named default for a kind of agent
// command, resolved by internal/relay.Registry when a spawn names it via
// its Type field instead of repeating command/args/env inline.
type RelayAgentType struct {
	ID             string   `mapstructure:"id"`
	Command        string   `mapstructure:"command"`
	Args           []string `mapstructure:"args"`
	RequiredEnv    []string `mapstructure:"required_env"`
	DefaultWorkdir string   `mapstructure:"default_workdir"`
}

// RelayDockerConfig opts a relay into container-isolated sessions instead
// of the default bare-subprocess executor (spec §4.5 Non-goals: container
// sandboxing is a relay deployment concern, not something the core owns).
type RelayDockerConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"api_version"`
	Image      string `mapstructure:"image"`
	Memory     int64  `mapstructure:"memory"`
	CPUQuota   int64  `mapstructure:"cpu_quota"`
}

func relayDefaults(v *viper.Viper) {
	v.SetDefault("server_url", "ws://localhost:8088")
	v.SetDefault("role", "general")
	v.SetDefault("buffer_size", 4096)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.output_path", "stdout")
	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.image", "todoki/agent-runtime:latest")
}

// LoadRelayProcessConfig reads relay.yaml (if present) and AGENT_RELAY_*
// environment variables.
func LoadRelayProcessConfig() (*RelayProcessConfig, error) {
	v := viper.New()
	relayDefaults(v)

	v.SetEnvPrefix("AGENT_RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("relay")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/relay/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading relay config: %w", err)
		}
	}

	var cfg RelayProcessConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling relay config: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("invalid relay configuration: token is required")
	}
	return &cfg, nil
}
