package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  "View and change the settings read from $HOME/.tamga.yaml, TAMGA_* environment variables and flags.",
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Show the effective configuration",
	RunE:  runConfigView,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE:  runConfigSet,
}

var configGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get a configuration value",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigGet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

var configListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configuration keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printConfigKeysTable(getConfigKeyDescriptions())
	},
}

var (
	configForce    bool
	configTemplate string
	configFormat   string
)

func init() {
	rootCmd.AddCommand(configCmd)

	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configGetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configListCmd)

	configViewCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "output format (yaml, json, table)")
	configSetCmd.Flags().BoolVar(&configForce, "force", false, "set the value even if the key is unknown")
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite existing config file")
	configInitCmd.Flags().StringVar(&configTemplate, "template", "default", "configuration template (default, minimal, full)")
}

func runConfigView(cmd *cobra.Command, args []string) error {
	switch configFormat {
	case "json":
		return printConfigJSON()
	case "yaml":
		return printConfigYAML()
	case "table":
		return printConfigTable()
	default:
		return fmt.Errorf("unsupported format: %s", configFormat)
	}
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, value := args[0], convertValue(args[1])

	if !configForce && !isValidConfigKey(key) {
		return fmt.Errorf("unknown configuration key: %s (use --force to override)", key)
	}
	if err := validateConfigValue(key, value); err != nil {
		return err
	}

	viper.Set(key, value)

	configFile := getConfigFilePath()
	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to ensure config directory: %w", err)
	}
	if err := viper.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configFile, 0600); err != nil {
		return fmt.Errorf("failed to restrict config file permissions: %w", err)
	}

	shown := value
	if isSensitiveConfigKey(key) {
		shown = "[REDACTED]"
	}
	fmt.Printf("%s %s = %v\n", success("✓"), key, shown)
	fmt.Printf("Configuration saved to: %s\n", configFile)
	return nil
}

func runConfigGet(cmd *cobra.Command, args []string) error {
	key := args[0]
	if !viper.IsSet(key) {
		return fmt.Errorf("configuration key not found: %s", key)
	}

	value := viper.Get(key)
	if isSensitiveConfigKey(key) {
		value = "[REDACTED]"
	}
	fmt.Printf("%s = %v\n", key, value)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := getConfigFilePath()

	if _, err := os.Stat(configFile); err == nil && !configForce {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configFile)
	}

	if err := ensureConfigDir(configFile); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(getConfigTemplate(configTemplate))
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = os.WriteFile(configFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Printf("%s Configuration file created: %s (template %s)\n", success("✓"), configFile, configTemplate)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	problems := validateConfiguration()
	if len(problems) == 0 {
		fmt.Println(success("✓ Configuration is valid"))
		return nil
	}

	fmt.Println(failure("✗ Configuration validation failed:"))
	for _, p := range problems {
		fmt.Printf("  - %s\n", p)
	}
	return fmt.Errorf("configuration validation failed with %d errors", len(problems))
}
