package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nvandessel/floodgate/internal/backup"
	"github.com/nvandessel/floodgate/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage floodgate configuration",
		Long: `View and modify floodgate configuration settings.

Configuration is stored in ~/.floodgate/config.yaml unless --config is
given. Per-type quota windows and quality profiles are edited in the
file directly.

Examples:
  floodgate config list                        # Show scalar settings
  floodgate config get breaker.threshold       # Get a specific setting
  floodgate config set links.cooldown 45m      # Set a setting`,
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
	)

	return cmd
}

// configKeys lists the dot-notation keys get and set understand.
var configKeys = []string{
	"budgets.global.duration",
	"budgets.global.limit",
	"dedup.capacity",
	"dedup.similarity_threshold",
	"links.cooldown",
	"links.variant_probability",
	"links.credibility_replies",
	"quality.max_attempts",
	"breaker.threshold",
	"breaker.pause",
	"metrics.retention",
	"admission.token_ttl",
	"admission.max_outstanding",
	"logging.level",
	"mcp.metrics_addr",
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configuration settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}

			w := cmd.OutOrStdout()
			for _, key := range configKeys {
				v, _ := getConfigValue(cfg, key)
				fmt.Fprintf(w, "  %-28s %v\n", key+":", v)
			}

			types := make([]string, 0, len(cfg.Budgets.Actions))
			for typ := range cfg.Budgets.Actions {
				types = append(types, typ)
			}
			sort.Strings(types)
			fmt.Fprintln(w)
			fmt.Fprintln(w, "Quotas:")
			for _, typ := range types {
				for _, win := range cfg.Budgets.Actions[typ] {
					fmt.Fprintf(w, "  %-10s %d per %s\n", typ, win.Limit, win)
				}
			}
			return nil
		},
	}
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := args[0]

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			value, found := getConfigValue(cfg, key)
			if !found {
				return fmt.Errorf("unknown configuration key: %s", key)
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"key": key, "value": value})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s = %v\n", key, value)
			return nil
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]

			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultPath()
			}
			// Read the file without env overrides so they are not persisted.
			cfg := config.Default()
			if _, err := os.Stat(path); err == nil {
				if cfg, err = config.LoadFromFile(path); err != nil {
					return err
				}
			}

			if err := setConfigValue(cfg, key, value); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid value for %s: %w", key, err)
			}
			if err := saveConfig(cfg, path); err != nil {
				return err
			}

			if jsonFlag(cmd) {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"status": "updated", "key": key, "value": value})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
			return nil
		},
	}
}

// getConfigValue retrieves a configuration value by dot-notation key.
func getConfigValue(cfg *config.FloodgateConfig, key string) (any, bool) {
	switch key {
	case "budgets.global.duration":
		return cfg.Budgets.Global.Duration.String(), true
	case "budgets.global.limit":
		return cfg.Budgets.Global.Limit, true
	case "dedup.capacity":
		return cfg.Dedup.Capacity, true
	case "dedup.similarity_threshold":
		return cfg.Dedup.SimilarityThreshold, true
	case "links.cooldown":
		return cfg.Links.Cooldown.String(), true
	case "links.variant_probability":
		return cfg.Links.VariantProbability, true
	case "links.credibility_replies":
		return cfg.Links.CredibilityReplies, true
	case "quality.max_attempts":
		return cfg.Quality.MaxAttempts, true
	case "breaker.threshold":
		return cfg.Breaker.Threshold, true
	case "breaker.pause":
		return cfg.Breaker.Pause.String(), true
	case "metrics.retention":
		return cfg.Metrics.Retention.String(), true
	case "admission.token_ttl":
		return cfg.Admission.TokenTTL.String(), true
	case "admission.max_outstanding":
		return cfg.Admission.MaxOutstanding, true
	case "logging.level":
		return cfg.Logging.Level, true
	case "mcp.metrics_addr":
		return cfg.MCP.MetricsAddr, true
	default:
		return nil, false
	}
}

// setConfigValue sets a configuration value by dot-notation key.
func setConfigValue(cfg *config.FloodgateConfig, key, value string) error {
	var err error
	switch key {
	case "budgets.global.duration":
		cfg.Budgets.Global.Duration, err = backup.ParseDuration(value)
	case "budgets.global.limit":
		cfg.Budgets.Global.Limit, err = strconv.Atoi(value)
	case "dedup.capacity":
		cfg.Dedup.Capacity, err = strconv.Atoi(value)
	case "dedup.similarity_threshold":
		cfg.Dedup.SimilarityThreshold, err = strconv.ParseFloat(value, 64)
	case "links.cooldown":
		cfg.Links.Cooldown, err = backup.ParseDuration(value)
	case "links.variant_probability":
		cfg.Links.VariantProbability, err = strconv.ParseFloat(value, 64)
	case "links.credibility_replies":
		cfg.Links.CredibilityReplies, err = strconv.Atoi(value)
	case "quality.max_attempts":
		cfg.Quality.MaxAttempts, err = strconv.Atoi(value)
	case "breaker.threshold":
		cfg.Breaker.Threshold, err = strconv.Atoi(value)
	case "breaker.pause":
		cfg.Breaker.Pause, err = backup.ParseDuration(value)
	case "metrics.retention":
		cfg.Metrics.Retention, err = backup.ParseDuration(value)
	case "admission.token_ttl":
		cfg.Admission.TokenTTL, err = backup.ParseDuration(value)
	case "admission.max_outstanding":
		cfg.Admission.MaxOutstanding, err = strconv.Atoi(value)
	case "logging.level":
		cfg.Logging.Level = value
	case "mcp.metrics_addr":
		cfg.MCP.MetricsAddr = value
	default:
		return fmt.Errorf("unknown configuration key: %s", key)
	}
	if err != nil {
		return fmt.Errorf("invalid value for %s: %q", key, value)
	}
	return nil
}

// saveConfig writes the configuration to path.
func saveConfig(cfg *config.FloodgateConfig, path string) error {
	if path == "" {
		return fmt.Errorf("no config path: home directory unknown")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
