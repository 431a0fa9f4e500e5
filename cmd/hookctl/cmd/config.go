package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// configKeys are the settings hookctl persists.
var configKeys = []string{"server", "tenant", "timeout", "json", "pretty"}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage hookctl configuration",
	Long:  `Manage the settings stored in $HOME/.hookctl.yaml.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if outputJSON {
			printOutput(out, map[string]any{
				"server":  serverAddr,
				"tenant":  tenantID,
				"timeout": timeout.String(),
				"json":    outputJSON,
				"pretty":  prettyJSON,
			})
			return
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", serverAddr)
		fmt.Fprintf(out, "  Tenant: %s\n", tenantID)
		fmt.Fprintf(out, "  Timeout: %s\n", timeout)
		fmt.Fprintf(out, "  JSON Output: %v\n", outputJSON)
		fmt.Fprintf(out, "  Pretty JSON: %v\n", prettyJSON)
		if prettyJSON && !checkJQAvailable() {
			fmt.Fprintln(out, "  Warning: pretty=true but jq not found in PATH")
		}
		if f := viper.ConfigFileUsed(); f != "" {
			fmt.Fprintf(out, "  Config file: %s\n", f)
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  hookctl config set server http://localhost:8080
  hookctl config set tenant tn_123
  hookctl config set timeout 60s`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := setConfigValue(key, value); err != nil {
			return err
		}
		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			if force, _ := cmd.Flags().GetBool("force"); !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "http://localhost:8080")
		viper.Set("tenant", "")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Signal Hook service",
	Long:  `Query /healthz and report the database and broker checks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st struct {
			OK       bool            `json:"ok"`
			Message  string          `json:"message"`
			Database bool            `json:"database"`
			Checks   map[string]bool `json:"checks"`
		}
		err := doRequest(cmd.Context(), http.MethodGet, "/healthz", nil, &st)
		var apiErr *apiError
		if err != nil && !errors.As(err, &apiErr) {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if apiErr != nil {
			fmt.Fprintf(out, "Service is unhealthy (HTTP %d): %s\n", apiErr.Status, apiErr.Message)
			return nil
		}
		if outputJSON {
			printOutput(out, st)
			return nil
		}
		fmt.Fprintf(out, "Service is healthy: %s\n", st.Message)
		for name, ok := range st.Checks {
			fmt.Fprintf(out, "  %s: %v\n", name, ok)
		}
		return nil
	},
}

func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".hookctl.yaml"), nil
}

func setConfigValue(key, value string) error {
	switch key {
	case "json", "pretty":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
		}
		viper.Set(key, b)
	case "timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration for timeout: %s", value)
		}
		viper.Set(key, d.String())
	case "server", "tenant":
		viper.Set(key, value)
	default:
		return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(configCmd, healthCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
