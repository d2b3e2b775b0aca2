package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/meshgen/internal/config"
	"github.com/psantana5/meshgen/pkg/auth"
)

var initForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for creating and inspecting the meshgen configuration file.`,
}

var configSetKeyCmd = &cobra.Command{
	Use:   "set-key <api-key>",
	Short: "Store the Tripo3D API key in the config file",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigSetKey,
}

var configSetTokenCmd = &cobra.Command{
	Use:   "set-token [token]",
	Short: "Set the token that protects the daemon API",
	Long: `Store server.auth_token in the config file. A random token is generated
when none is given. The same file serves 'meshgen serve' and the CLI
commands that use --server.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigSetToken,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after defaults, the config file and environment overrides are applied. The API key is masked.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a config file with the default settings",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configSetKeyCmd)
	configCmd.AddCommand(configSetTokenCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)

	configInitCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func runConfigSetKey(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if key == "" {
		return errors.New("API key must not be empty")
	}
	if warning := config.APIKeyWarning(key); warning != "" {
		fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
	}

	path := configPath()
	if err := config.SetValue(path, "api_key", key); err != nil {
		return err
	}
	fmt.Printf("API key saved to %s\n", path)
	return nil
}

func runConfigSetToken(cmd *cobra.Command, args []string) error {
	var token string
	if len(args) == 1 {
		token = strings.TrimSpace(args[0])
	}
	if token == "" {
		generated, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		token = generated
		fmt.Printf("Generated token: %s\n", token)
	}

	path := configPath()
	if err := config.SetValue(path, "server.auth_token", token); err != nil {
		return err
	}
	fmt.Printf("Daemon token saved to %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	shown := *cfg
	shown.APIKey = cfg.MaskedAPIKey()
	if shown.Server.AuthToken != "" {
		shown.Server.AuthToken = "********"
	}

	if IsJSONOutput() {
		return printJSON(shown)
	}

	source := cfg.File
	if source == "" {
		source = "defaults (no config file)"
	}
	fmt.Printf("# source: %s\n", source)
	if cfg.APIKeySource != "" {
		fmt.Printf("# api key from: %s\n", cfg.APIKeySource)
	}

	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(&shown)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configPath()
	if _, err := os.Stat(path); err == nil && !initForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}

	defaults := config.Defaults()
	defaults.APIKey = cfg.APIKey
	if err := config.WriteFile(path, &defaults); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}
