package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/forgeops/foreman/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify foreman configuration",
	Long: `View or modify foreman configuration.

Without arguments, displays the current configuration.
Use subcommands to create or locate the config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/foreman/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// configDocument renders a Config as the nested YAML shape the config
// file uses, keyed the same way the mapstructure tags are.
func configDocument(cfg *config.Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"port":          cfg.Server.Port,
			"event_poll_ms": cfg.Server.EventPollMs,
		},
		"storage": map[string]any{
			"data_dir": cfg.Storage.DataDir,
		},
		"verify": map[string]any{
			"poll_interval_seconds": cfg.Verify.PollIntervalSeconds,
			"poll_timeout_minutes":  cfg.Verify.PollTimeoutMinutes,
			"max_fix_attempts":      cfg.Verify.MaxFixAttempts,
		},
		"executor": map[string]any{
			"worker_command":      cfg.Executor.WorkerCommand,
			"workspace_dir":       cfg.Executor.WorkspaceDir,
			"run_timeout_minutes": cfg.Executor.RunTimeoutMinutes,
		},
		"review": map[string]any{
			"draft":  cfg.Review.Draft,
			"labels": cfg.Review.Labels,
			"reviewers": map[string]any{
				"default": cfg.Review.Reviewers.Default,
				"by_path": cfg.Review.Reviewers.ByPath,
			},
		},
		"retry": map[string]any{
			"max_attempts":    cfg.Retry.MaxAttempts,
			"backoff_seconds": cfg.Retry.BackoffSeconds,
		},
		"logging": map[string]any{
			"enabled": cfg.Logging.Enabled,
			"level":   cfg.Logging.Level,
		},
	}
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg := config.Get()

	if viper.ConfigFileUsed() != "" {
		fmt.Printf("# config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Printf("# config file: (none - using defaults)\n")
	}

	out, err := yaml.Marshal(configDocument(cfg))
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := config.ConfigDir()
	configFile := config.ConfigFile()

	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	out, err := yaml.Marshal(configDocument(config.Default()))
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}

	header := "# Foreman configuration\n# Environment variables override these values with a FOREMAN_ prefix,\n# e.g. FOREMAN_SERVER_PORT=8080.\n\n"
	if err := os.WriteFile(configFile, append([]byte(header), out...), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("Created %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	fmt.Println(config.ConfigFile())
	return nil
}
