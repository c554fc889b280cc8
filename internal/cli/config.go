package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pendergraft/contratweak/internal/chains/evm"
	"github.com/pendergraft/contratweak/internal/executor"
)

// projectConfigFiles is the search order for project config files
var projectConfigFiles = []string{"contratweak.toml", ".contratweak.toml"}

// ProjectConfig is the project-level TOML configuration
type ProjectConfig struct {
	// Project names the clone on a server for remote commands.
	Project    string            `toml:"project,omitempty"`
	Dir        string            `toml:"dir,omitempty"`
	Server     string            `toml:"server,omitempty"`
	RPC        RPCConfigTOML     `toml:"rpc"`
	Tweak      TweakConfigTOML   `toml:"tweak"`
	Immutables map[string]string `toml:"immutables,omitempty"`
}

// RPCConfigTOML describes the fork node
type RPCConfigTOML struct {
	URL               string  `toml:"url"`
	Timeout           string  `toml:"timeout,omitempty"`
	Retries           *int    `toml:"retries,omitempty"`
	RequestsPerSecond float64 `toml:"requests_per_second,omitempty"`
	SetCodeMethod     string  `toml:"set_code_method,omitempty"`
	CallGas           uint64  `toml:"call_gas,omitempty"`
}

// TweakConfigTOML tunes the local pipeline
type TweakConfigTOML struct {
	Forge              string   `toml:"forge,omitempty"`
	ExtraArgs          []string `toml:"extra_args,omitempty"`
	AllowChainMismatch bool     `toml:"allow_chain_mismatch,omitempty"`
	Reexecute          []string `toml:"reexecute,omitempty"`
}

// GlobalConfig is the user configuration in ~/.contratweak/config.yaml
type GlobalConfig struct {
	Server string `yaml:"server"`
	RPCURL string `yaml:"rpc_url,omitempty"`
}

// ClientOptions merges the [rpc] table over the client defaults.
func (c *ProjectConfig) ClientOptions() (evm.ClientOptions, error) {
	opts := evm.DefaultClientOptions()
	if c == nil {
		return opts, nil
	}
	if c.RPC.Timeout != "" {
		d, err := time.ParseDuration(c.RPC.Timeout)
		if err != nil {
			return opts, fmt.Errorf("rpc.timeout: %w", err)
		}
		opts.Timeout = d
	}
	if c.RPC.Retries != nil {
		opts.MaxRetries = *c.RPC.Retries
	}
	if c.RPC.RequestsPerSecond != 0 {
		opts.RequestsPerSecond = c.RPC.RequestsPerSecond
	}
	if c.RPC.SetCodeMethod != "" {
		opts.SetCodeMethod = c.RPC.SetCodeMethod
	}
	opts.CallGas = c.RPC.CallGas
	return opts, nil
}

// ExecutorOptions builds executor options from the config; flag values
// given on the command line win over [immutables] entries of the same name.
func (c *ProjectConfig) ExecutorOptions(flagImmutables map[string]string, allowMismatch bool, reexecute []string) (executor.Options, error) {
	merged := map[string]string{}
	opts := executor.Options{AllowChainMismatch: allowMismatch, Reexecute: reexecute}
	if c != nil {
		for k, v := range c.Immutables {
			merged[k] = v
		}
		opts.AllowChainMismatch = opts.AllowChainMismatch || c.Tweak.AllowChainMismatch
		if len(opts.Reexecute) == 0 {
			opts.Reexecute = c.Tweak.Reexecute
		}
	}
	for k, v := range flagImmutables {
		merged[k] = v
	}

	overrides, err := executor.ParseImmutables(merged)
	if err != nil {
		return opts, err
	}
	opts.ImmutableOverrides = overrides
	return opts, nil
}

func createConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration commands",
	}

	cmd.AddCommand(createConfigInitCmd())
	cmd.AddCommand(createConfigShowCmd())

	return cmd
}

func createConfigInitCmd() *cobra.Command {
	var rpcURL string
	var project string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config file",
		Long: `Create a contratweak.toml configuration file in the current directory.

The file points the local commands at a fork node and holds defaults for
immutable overrides and compiler arguments.

EXAMPLES:
  # Create config for a local anvil fork
  contratweak config init

  # Create config for another node
  contratweak config init --rpc-url http://127.0.0.1:8545

  # Overwrite existing config
  contratweak config init --force
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigInit(".", rpcURL, project, force)
		},
	}

	cmd.Flags().StringVar(&rpcURL, "rpc-url", "http://127.0.0.1:8545", "fork node JSON-RPC URL")
	cmd.Flags().StringVar(&project, "project", "", "project name on the server (defaults to directory name)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")

	return cmd
}

func createConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current config",
		Long: `Display the configuration sources and the effective settings.

EXAMPLES:
  contratweak config show
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigShow()
		},
	}
}

func runConfigInit(dir, rpcURL, project string, force bool) error {
	configPath := filepath.Join(dir, projectConfigFiles[0])

	for _, name := range projectConfigFiles {
		existing := filepath.Join(dir, name)
		if _, err := os.Stat(existing); err == nil && !force {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", existing)
		}
	}

	if project == "" {
		if abs, err := filepath.Abs(dir); err == nil {
			project = filepath.Base(abs)
		}
	}

	content := fmt.Sprintf(`# contratweak project configuration

project = %q

[rpc]
url = %q
timeout = "30s"
# retries = 3
# requests_per_second = 20
# anvil_setCode, hardhat_setCode, evm_setAccountCode or tenderly_setCode;
# detected from web3_clientVersion when unset
# set_code_method = "anvil_setCode"

[tweak]
# forge = "forge"
# extra_args = ["--skip", "test"]
# allow_chain_mismatch = false
# reexecute = ["DOMAIN_SEPARATOR"]

# Immutable values to use instead of the ones read from chain (hex)
[immutables]
# owner = "0x000000000000000000000000f39fd6e51aad88f6f4ce6ab8827279cfffb92266"
`, project, rpcURL)

	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Created %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Printf("  1. Edit %s to point at your fork node\n", configPath)
	fmt.Println("  2. Run 'contratweak check' to compare storage layouts")
	fmt.Println("  3. Run 'contratweak tweak' to replace the deployed code")

	return nil
}

func runConfigShow() error {
	fmt.Println("Configuration sources (in order of precedence):")
	fmt.Println()

	fmt.Println("1. Command line flags")
	fmt.Println("   --server, --api-key, --config, --rpc-url")
	fmt.Println()

	fmt.Println("2. Environment variables")
	for _, name := range []string{"CONTRATWEAK_SERVER", "CONTRATWEAK_API_KEY", "CONTRATWEAK_RPC_URL"} {
		value := os.Getenv(name)
		switch {
		case value == "":
			value = "(not set)"
		case name == "CONTRATWEAK_API_KEY":
			value = maskAPIKey(value)
		}
		fmt.Printf("   %s=%s\n", name, value)
	}
	fmt.Println()

	fmt.Println("3. Project config (contratweak.toml or .contratweak.toml)")
	projectConfig, configPath, err := loadProjectConfig()
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	default:
		fmt.Printf("   Loaded from: %s\n", configPath)
		if projectConfig.Project != "" {
			fmt.Printf("   project: %s\n", projectConfig.Project)
		}
		if projectConfig.RPC.URL != "" {
			fmt.Printf("   rpc.url: %s\n", projectConfig.RPC.URL)
		}
		if projectConfig.RPC.SetCodeMethod != "" {
			fmt.Printf("   rpc.set_code_method: %s\n", projectConfig.RPC.SetCodeMethod)
		}
		if len(projectConfig.Immutables) > 0 {
			fmt.Printf("   immutables: %d override(s)\n", len(projectConfig.Immutables))
		}
	}
	fmt.Println()

	fmt.Println("4. Global config (~/.contratweak/config.yaml)")
	global := loadGlobalConfig()
	if global.Server == "" && global.RPCURL == "" {
		fmt.Println("   (not found)")
	} else {
		if global.Server != "" {
			fmt.Printf("   server: %s\n", global.Server)
		}
		if global.RPCURL != "" {
			fmt.Printf("   rpc_url: %s\n", global.RPCURL)
		}
	}
	fmt.Println()

	fmt.Println("5. Credentials (~/.contratweak/credentials)")
	creds, err := loadCredentials()
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Println("   (not found)")
	case err != nil:
		fmt.Printf("   Error: %v\n", err)
	case len(creds.Servers) == 0:
		fmt.Println("   (no credentials stored)")
	default:
		for server, cred := range creds.Servers {
			fmt.Printf("   %s: %s\n", server, maskAPIKey(cred.APIKey))
		}
	}
	fmt.Println()

	fmt.Println("Effective configuration:")
	fmt.Printf("   RPC URL: %s\n", getRPCURL(""))
	fmt.Printf("   Server:  %s\n", getServer())
	if key := getAPIKey(); key != "" {
		fmt.Printf("   API Key: %s\n", maskAPIKey(key))
	} else {
		fmt.Println("   API Key: (not set)")
	}

	return nil
}

// getRPCURL returns the node URL from flag, env, project config or global config.
func getRPCURL(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv("CONTRATWEAK_RPC_URL"); env != "" {
		return env
	}
	if config := loadProjectConfigSilent(); config != nil && config.RPC.URL != "" {
		return config.RPC.URL
	}
	if global := loadGlobalConfig(); global.RPCURL != "" {
		return global.RPCURL
	}
	return "http://127.0.0.1:8545"
}

// loadProjectConfig loads the project config from the first matching config file.
func loadProjectConfig() (*ProjectConfig, string, error) {
	if cfgFile != "" {
		config, err := loadProjectConfigFromPath(cfgFile)
		if err != nil {
			return nil, cfgFile, err
		}
		return config, cfgFile, nil
	}

	for _, name := range projectConfigFiles {
		if _, err := os.Stat(name); err == nil {
			config, err := loadProjectConfigFromPath(name)
			if err != nil {
				return nil, name, err
			}
			return config, name, nil
		}
	}
	return nil, "", os.ErrNotExist
}

func loadProjectConfigFromPath(path string) (*ProjectConfig, error) {
	var config ProjectConfig
	md, err := toml.DecodeFile(path, &config)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parsing %s: unknown key %s", path, undecoded[0])
	}
	return &config, nil
}

// loadProjectConfigSilent returns nil when no config exists and warns on
// parse failures.
func loadProjectConfigSilent() *ProjectConfig {
	config, _, err := loadProjectConfig()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load project config: %v\n", err)
		}
		return nil
	}
	return config
}

func loadGlobalConfig() GlobalConfig {
	var global GlobalConfig
	data, err := os.ReadFile(filepath.Join(configDir(), "config.yaml"))
	if err != nil {
		return global
	}
	if err := yaml.Unmarshal(data, &global); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to parse global config: %v\n", err)
	}
	return global
}
