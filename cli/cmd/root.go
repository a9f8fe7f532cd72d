package cmd

import (
	"fmt"
	"log"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/osmn-byhn/tamga"
	"github.com/osmn-byhn/tamga/audit"
	"github.com/osmn-byhn/tamga/persist"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	vaultPath   string
	password    string
	profileName string
	manager     *tamga.Manager
	vault       *tamga.Vault
	auditLogger audit.Logger
	cliContext  *CLIContext
	logger      zerolog.Logger
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tamga",
	Short: "A local-first vault for passwords, OTP secrets, passkeys and .env files",
	Long: `Tamga keeps passwords, OTP URIs, passkeys and project .env files in a local vault.
Every collection is sealed with AES-256-GCM under a key derived from the master
password with PBKDF2-SHA256. Encrypted backups move a vault between devices.`,
	SilenceUsage:      true,
	PersistentPreRunE: initializeVault,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if manager != nil {
			return manager.CloseAll()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, failure(formatError(err)))
		if hint := errorHint(err); hint != "" {
			fmt.Fprintln(os.Stderr, hint)
		}
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tamga.yaml)")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault-path", "p", "", "path to vault storage")
	rootCmd.PersistentFlags().StringVar(&password, "password", "", "master password (or use TAMGA_PASSWORD env var)")
	rootCmd.PersistentFlags().StringVar(&profileName, "profile", "", "vault profile")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (file, bolt, s3, memory)")
	rootCmd.PersistentFlags().String("namespace", "", "slot namespace")
	rootCmd.PersistentFlags().String("log-level", "", "operational log level (debug, info, warn, error)")

	bindFlagOrPanic("vault.path", "vault-path")
	bindFlagOrPanic("vault.password", "password")
	bindFlagOrPanic("vault.profile", "profile")
	bindFlagOrPanic("vault.store_type", "store-type")
	bindFlagOrPanic("vault.namespace", "namespace")
	bindFlagOrPanic("log.level", "log-level")

	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog, zerolog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("vault.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("vault.s3.region", "s3-region")
	bindFlagOrPanic("vault.s3.bucket", "s3-bucket")
	bindFlagOrPanic("vault.s3.prefix", "s3-prefix")
	bindFlagOrPanic("vault.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("vault.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("vault.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".tamga")
	}

	viper.SetEnvPrefix("TAMGA")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
	}
}

func setDefaults() {
	viper.SetDefault("vault.path", defaultVaultPath())
	viper.SetDefault("vault.profile", tamga.DefaultProfile)
	viper.SetDefault("vault.store_type", "file")
	viper.SetDefault("vault.namespace", tamga.DefaultNamespace)
	viper.SetDefault("vault.memory_lock", false)

	viper.SetDefault("vault.s3.region", "us-east-1")
	viper.SetDefault("vault.s3.prefix", "tamga/")
	viper.SetDefault("vault.s3.use_ssl", true)

	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.options.file_path", "audit.log")

	viper.SetDefault("log.level", "warn")
}

func defaultVaultPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "tamga")
	}
	return ".tamga"
}

// skipsVault reports whether cmd runs without opening a vault.
func skipsVault(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		switch c.Name() {
		case "help", "completion", "__complete", "config":
			return true
		}
	}
	return false
}

func initializeVault(cmd *cobra.Command, args []string) error {
	logger = newLogger(viper.GetString("log.level"))

	if skipsVault(cmd) {
		return nil
	}

	vaultPath = viper.GetString("vault.path")
	profileName = viper.GetString("vault.profile")

	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(vaultPath, "audit.log"))
	}

	storeType := strings.ToLower(viper.GetString("vault.store_type"))
	if storeType == "file" || storeType == "bolt" {
		if err := os.MkdirAll(vaultPath, 0700); err != nil {
			return fmt.Errorf("failed to create vault directory: %w", err)
		}
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	options := tamga.Options{
		Namespace:        viper.GetString("vault.namespace"),
		KDFIterations:    viper.GetInt("vault.kdf_iterations"),
		EnableMemoryLock: viper.GetBool("vault.memory_lock"),
		Logger:           &logger,
		UserID:           cliContext.UserID,
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	manager, err = createManager(storeType, options, auditLogger)
	if err != nil {
		return fmt.Errorf("failed to create vault manager: %w", err)
	}

	vault, err = manager.GetVault(profileName)
	if err != nil {
		return fmt.Errorf("failed to open vault for profile %s: %w", profileName, err)
	}

	logger.Debug().
		Str("profile", profileName).
		Str("store", getStoreConfigSummary(storeType)).
		Str("state", vault.State().String()).
		Msg("vault opened")
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled: viper.GetBool("audit.enabled"),
		Profile: viper.GetString("vault.profile"),
		Type:    audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("log.level"),
	})
}

func createManager(storeType string, options tamga.Options, auditLogger audit.Logger) (*tamga.Manager, error) {
	path := viper.GetString("vault.path")

	switch storeType {
	case "file":
		return tamga.NewManagerFileStore(options, path, auditLogger), nil

	case "bolt":
		return tamga.NewManagerWithStoreConfig(options, persist.StoreConfig{
			Type:   persist.StoreTypeBolt,
			Config: map[string]interface{}{"path": filepath.Join(path, "tamga.db")},
		}, auditLogger), nil

	case "memory":
		return tamga.NewManagerWithStoreConfig(options, persist.StoreConfig{
			Type: persist.StoreTypeMemory,
		}, auditLogger), nil

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("vault.s3.endpoint"),
			AccessKeyID:     viper.GetString("vault.s3.access_key_id"),
			SecretAccessKey: viper.GetString("vault.s3.secret_access_key"),
			Bucket:          viper.GetString("vault.s3.bucket"),
			KeyPrefix:       viper.GetString("vault.s3.prefix"),
			UseSSL:          viper.GetBool("vault.s3.use_ssl"),
			Region:          viper.GetString("vault.s3.region"),
		}

		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}

		return tamga.NewManagerS3Store(options, s3Config, auditLogger)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: %s", storeType, strings.Join(storeTypes, ", "))
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Bucket == "" {
		missing = append(missing, "vault.s3.bucket")
	}
	if config.Region == "" {
		missing = append(missing, "vault.s3.region")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "vault.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "vault.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}

func getStoreConfigSummary(storeType string) string {
	switch storeType {
	case "file":
		return fmt.Sprintf("file store: path=%s", viper.GetString("vault.path"))
	case "bolt":
		return fmt.Sprintf("bolt store: file=%s", filepath.Join(viper.GetString("vault.path"), "tamga.db"))
	case "memory":
		return "memory store"
	case "s3":
		return fmt.Sprintf("s3 store: bucket=%s, region=%s, prefix=%s",
			viper.GetString("vault.s3.bucket"),
			viper.GetString("vault.s3.region"),
			viper.GetString("vault.s3.prefix"))
	default:
		return fmt.Sprintf("unknown store type: %s", storeType)
	}
}

// getCurrentUser returns the login name, falling back to $USER and then
// "unknown_user".
func getCurrentUser() string {
	currentUser, err := user.Current()
	if err != nil {
		log.Printf("Warning: could not get current user: %v. Falling back to 'unknown_user'.", err)
		if envUser := os.Getenv("USER"); envUser != "" {
			return envUser
		}
		return "unknown_user"
	}
	return currentUser.Username
}

func generateSessionID() string {
	return uuid.New().String()
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Printf("Warning: could not get hostname: %v. Falling back to 'unknown_host'.", err)
		return "unknown_host"
	}
	return hostname
}

func auditCmdStart(cmd *cobra.Command) time.Time {
	now := time.Now()
	if err := auditLogger.Log(audit.ActionCommandStart, true, map[string]interface{}{
		"profile":    profileName,
		"command":    cmd.CommandPath(),
		"flags":      sanitizeFlags(cmd),
		"user_id":    cliContext.UserID,
		"session_id": cliContext.SessionID,
		"source":     cliContext.Source,
	}); err != nil {
		logger.Warn().Err(err).Msg("failed to write audit event")
	}
	return now
}

func auditCmdComplete(cmd *cobra.Command, err error, startedTime time.Time) error {
	if auditLogger != nil {
		if logErr := auditLogger.Log(audit.ActionCommandComplete, err == nil, map[string]interface{}{
			"profile":     profileName,
			"command":     cmd.CommandPath(),
			"duration_ms": time.Since(startedTime).Milliseconds(),
			"error":       errorString(err),
			"user_id":     cliContext.UserID,
			"session_id":  cliContext.SessionID,
		}); logErr != nil {
			logger.Warn().Err(logErr).Msg("failed to write audit event")
		}
	}
	return err
}

// audited wraps a RunE so the command's start and outcome reach the audit log.
func audited(run func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		started := auditCmdStart(cmd)
		return auditCmdComplete(cmd, run(cmd, args), started)
	}
}
