package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/osmn-byhn/tamga"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var (
	storeTypes = []string{"file", "bolt", "s3", "memory"}
	auditTypes = []string{"file", "syslog", "zerolog"}

	success   = color.New(color.FgGreen).SprintFunc()
	failure   = color.New(color.FgRed).SprintFunc()
	warning   = color.New(color.FgYellow).SprintFunc()
	highlight = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tamga.yaml")
}

func ensureConfigDir(configFile string) error {
	return os.MkdirAll(filepath.Dir(configFile), 0700)
}

func isValidConfigKey(key string) bool {
	_, ok := getConfigKeyDescriptions()[key]
	return ok
}

func getConfigKeyDescriptions() map[string]string {
	return map[string]string{
		"vault.store_type":           "Storage backend type (file, bolt, s3, memory)",
		"vault.path":                 "Directory holding file and bolt stores",
		"vault.profile":              "Vault profile",
		"vault.namespace":            "Slot namespace",
		"vault.kdf_iterations":       "PBKDF2 iterations (minimum and default 100000)",
		"vault.memory_lock":          "Lock process memory against swapping",
		"vault.s3.endpoint":          "S3 endpoint",
		"vault.s3.bucket":            "S3 bucket name",
		"vault.s3.region":            "S3 region",
		"vault.s3.prefix":            "S3 key prefix",
		"vault.s3.use_ssl":           "Use SSL for S3 connections",
		"vault.s3.access_key_id":     "S3 access key ID",
		"vault.s3.secret_access_key": "S3 secret access key",
		"audit.enabled":              "Enable audit logging",
		"audit.type":                 "Audit logger type (file, syslog, zerolog)",
		"audit.options.file_path":    "Audit log file path",
		"log.level":                  "Operational log level (debug, info, warn, error)",
	}
}

func getConfigTemplate(template string) map[string]interface{} {
	vault := map[string]interface{}{
		"store_type": "file",
		"path":       defaultVaultPath(),
		"profile":    tamga.DefaultProfile,
	}

	switch template {
	case "minimal":
		return map[string]interface{}{"vault": vault}
	case "full":
		vault["namespace"] = tamga.DefaultNamespace
		vault["kdf_iterations"] = 100000
		vault["memory_lock"] = false
		vault["s3"] = map[string]interface{}{
			"endpoint": "",
			"bucket":   "",
			"region":   "us-east-1",
			"prefix":   "tamga/",
			"use_ssl":  true,
		}
		return map[string]interface{}{
			"vault": vault,
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{"file_path": "audit.log"},
			},
			"log": map[string]interface{}{"level": "warn"},
		}
	default:
		return map[string]interface{}{
			"vault": vault,
			"audit": map[string]interface{}{
				"enabled": false,
				"type":    "file",
				"options": map[string]interface{}{"file_path": "audit.log"},
			},
		}
	}
}

func validateConfiguration() []string {
	var problems []string

	storeType := viper.GetString("vault.store_type")
	if !contains(storeTypes, storeType) {
		problems = append(problems, fmt.Sprintf("invalid store type: %s (must be one of: %s)",
			storeType, strings.Join(storeTypes, ", ")))
	}

	if storeType == "s3" && viper.GetString("vault.s3.bucket") == "" {
		problems = append(problems, "S3 bucket is required when using S3 store")
	}

	if n := viper.GetInt("vault.kdf_iterations"); n != 0 && n < 100000 {
		problems = append(problems, fmt.Sprintf("kdf_iterations %d is below the minimum of 100000", n))
	}

	if strings.ContainsAny(viper.GetString("vault.namespace"), "/\\ .") {
		problems = append(problems, "namespace must not contain '/', '\\', '.' or spaces")
	}

	if viper.GetBool("audit.enabled") {
		auditType := viper.GetString("audit.type")
		if !contains(auditTypes, auditType) {
			problems = append(problems, fmt.Sprintf("invalid audit type: %s (must be one of: %s)",
				auditType, strings.Join(auditTypes, ", ")))
		}
		if auditType == "file" && viper.GetString("audit.options.file_path") == "" {
			problems = append(problems, "audit file path is required when using file audit")
		}
	}

	return problems
}

// convertValue converts a command line value to bool, int or float when it
// parses as one.
func convertValue(value string) interface{} {
	switch strings.ToLower(value) {
	case "true", "yes", "on":
		return true
	case "false", "no", "off":
		return false
	}
	if i, err := strconv.Atoi(value); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

func validateConfigValue(key string, value interface{}) error {
	switch key {
	case "vault.store_type":
		if str, ok := value.(string); !ok || !contains(storeTypes, str) {
			return fmt.Errorf("invalid store type: %v (valid: %s)", value, strings.Join(storeTypes, ", "))
		}
	case "audit.type":
		if str, ok := value.(string); !ok || !contains(auditTypes, str) {
			return fmt.Errorf("invalid audit type: %v (valid: %s)", value, strings.Join(auditTypes, ", "))
		}
	case "vault.kdf_iterations":
		if n, ok := value.(int); !ok || n < 100000 {
			return fmt.Errorf("kdf_iterations must be an integer of at least 100000")
		}
	}
	return nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func printConfigTable() error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tVALUE\tSOURCE")
	fmt.Fprintln(w, "---\t-----\t------")

	var keys []string
	flattenKeys(viper.AllSettings(), "", &keys)
	sort.Strings(keys)

	for _, key := range keys {
		value := viper.Get(key)
		source := "default"
		if viper.ConfigFileUsed() != "" && viper.InConfig(key) {
			source = filepath.Base(viper.ConfigFileUsed())
		}
		if os.Getenv("TAMGA_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_"))) != "" {
			source = "environment"
		}
		if isSensitiveConfigKey(key) {
			value = "[REDACTED]"
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", key, value, source)
	}

	return nil
}

func printConfigJSON() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config to JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printConfigYAML() error {
	config := viper.AllSettings()
	maskSensitiveValues(config)

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}
	fmt.Print(string(data))
	return nil
}

func printConfigKeysTable(keys map[string]string) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "KEY\tDESCRIPTION")
	fmt.Fprintln(w, "---\t-----------")

	sorted := make([]string, 0, len(keys))
	for key := range keys {
		sorted = append(sorted, key)
	}
	sort.Strings(sorted)

	for _, key := range sorted {
		fmt.Fprintf(w, "%s\t%s\n", key, keys[key])
	}
	return nil
}

// flattenKeys recursively flattens nested maps into dot-notation keys
func flattenKeys(m map[string]interface{}, prefix string, keys *[]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenKeys(nested, key, keys)
		} else {
			*keys = append(*keys, key)
		}
	}
}

func isSensitiveConfigKey(key string) bool {
	lowerKey := strings.ToLower(key)
	for _, sensitive := range []string{"password", "secret", "access_key", "token"} {
		if strings.Contains(lowerKey, sensitive) {
			return true
		}
	}
	return false
}

func maskSensitiveValues(config map[string]interface{}) {
	for key, value := range config {
		if isSensitiveConfigKey(key) {
			config[key] = "[REDACTED]"
		} else if nested, ok := value.(map[string]interface{}); ok {
			maskSensitiveValues(nested)
		}
	}
}

func sanitizeFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if !flag.Changed {
			return
		}
		if isSensitiveConfigKey(flag.Name) || flag.Name == "value" || flag.Name == "content" {
			flags[flag.Name] = "[REDACTED]"
		} else {
			flags[flag.Name] = flag.Value.String()
		}
	})
	return flags
}

// resolvePassword takes the master password from --password, TAMGA_PASSWORD
// or an interactive prompt, in that order.
func resolvePassword(prompt string) (string, error) {
	if pw := viper.GetString("vault.password"); pw != "" {
		return pw, nil
	}
	if pw := os.Getenv("TAMGA_PASSWORD"); pw != "" {
		return pw, nil
	}
	return promptPassword(prompt)
}

func passwordSupplied() bool {
	return viper.GetString("vault.password") != "" || os.Getenv("TAMGA_PASSWORD") != ""
}

func promptPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("master password is required. Use --password flag or TAMGA_PASSWORD environment variable")
	}
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(raw), nil
}

// promptNewPassword asks twice for a new password when stdin is a terminal.
func promptNewPassword(prompt string) (string, error) {
	first, err := promptPassword(prompt)
	if err != nil {
		return "", err
	}
	second, err := promptPassword("Confirm: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passwords do not match")
	}
	return first, nil
}

// withSpinner runs fn while a spinner shows on a terminal. Key derivation
// takes long enough to need one.
func withSpinner(message string, fn func() error) error {
	if !term.IsTerminal(int(os.Stderr.Fd())) {
		return fn()
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	s.Start()
	err := fn()
	s.Stop()
	return err
}

// unlockVault unlocks the profile's vault for commands that read or write
// collections.
func unlockVault() error {
	if !vault.HasPassword() {
		return tamga.ErrNotConfigured
	}
	pw, err := resolvePassword("Master password: ")
	if err != nil {
		return err
	}
	var ok bool
	err = withSpinner("Deriving key...", func() error {
		var unlockErr error
		ok, unlockErr = vault.Unlock(pw)
		return unlockErr
	})
	if err != nil {
		return err
	}
	if !ok {
		return tamga.ErrWrongPassword
	}
	return nil
}

func promptConfirmation(message string) bool {
	fmt.Printf("%s (y/N): ", message)
	var response string
	fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes"
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func formatError(err error) string {
	message := err.Error()
	if len(message) > 0 {
		message = strings.ToUpper(message[:1]) + message[1:]
	}
	return "Error: " + message
}

// errorHint returns what the user can do about err, or "".
func errorHint(err error) string {
	switch {
	case errors.Is(err, tamga.ErrNotConfigured):
		return "Run 'tamga init' to set a master password for this profile."
	case errors.Is(err, tamga.ErrWrongPassword):
		return "Check the password, or pass it with --password or TAMGA_PASSWORD."
	case errors.Is(err, tamga.ErrCorruptedState):
		return "Only one of the salt and validator survived. 'tamga remove' wipes the profile so it can be restored from a backup."
	case errors.Is(err, tamga.ErrLegacyBundle):
		return "This backup has no salt. Run 'tamga salt' on the device that made it and pass the value with --salt."
	case errors.Is(err, tamga.ErrRestoreFailed):
		return "The password, the salt or the backup file is wrong."
	case errors.Is(err, tamga.ErrPasswordRequired):
		return "A fresh vault needs the password of the device that made the backup."
	case errors.Is(err, tamga.ErrInvalidSalt):
		return "A salt is 16 bytes, given as hex or as a JSON byte array."
	}
	return ""
}
