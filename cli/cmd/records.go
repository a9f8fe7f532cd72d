package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/osmn-byhn/tamga"
	"github.com/osmn-byhn/tamga/otpmigration"
	"github.com/spf13/cobra"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "Read and write raw slots",
	Long:  "Read or replace any non-reserved slot as JSON. Collections live in '<namespace>-<collection>' slots.",
}

var dataGetCmd = &cobra.Command{
	Use:   "get <slot>",
	Short: "Print the decrypted JSON of a slot",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runDataGet),
}

var dataSetCmd = &cobra.Command{
	Use:   "set <slot> <json>",
	Short: "Seal a JSON value into a slot",
	Args:  cobra.ExactArgs(2),
	RunE:  audited(runDataSet),
}

var credentialCmd = &cobra.Command{
	Use:     "credential",
	Aliases: []string{"password", "cred"},
	Short:   "Manage stored credentials",
}

var credentialAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a credential",
	RunE:  audited(runCredentialAdd),
}

var credentialListCmd = &cobra.Command{
	Use:   "list",
	Short: "List credentials",
	RunE:  runCredentialList,
}

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "Manage OTP URIs",
}

var otpAddCmd = &cobra.Command{
	Use:   "add <otpauth-uri>...",
	Short: "Add otpauth:// URIs",
	Args:  cobra.MinimumNArgs(1),
	RunE:  audited(runOTPAdd),
}

var otpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List OTP URIs",
	RunE:  runOTPList,
}

var otpImportCmd = &cobra.Command{
	Use:   "import-migration <otpauth-migration-uri>",
	Short: "Import accounts from an authenticator export",
	Long: `Decode an otpauth-migration:// URI, as produced by Google Authenticator's
export QR code, and add every account it holds. Use "-" to read URIs from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: audited(runOTPImport),
}

var passkeyCmd = &cobra.Command{
	Use:   "passkey",
	Short: "Manage passkeys and backup codes",
}

var passkeyAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a passkey",
	RunE:  audited(runPasskeyAdd),
}

var passkeyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List passkeys",
	RunE:  runPasskeyList,
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Manage project .env files",
}

var envAddCmd = &cobra.Command{
	Use:   "add <project> <file>",
	Short: "Store the content of an .env file",
	Args:  cobra.ExactArgs(2),
	RunE:  audited(runEnvAdd),
}

var envListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored .env files",
	RunE:  runEnvList,
}

var (
	recordPlatform string
	recordUsername string
	recordValue    string
	recordLabel    string
	recordSecret   string
	showSecrets    bool
	listJSON       bool
)

func init() {
	rootCmd.AddCommand(dataCmd)
	dataCmd.AddCommand(dataGetCmd)
	dataCmd.AddCommand(dataSetCmd)

	rootCmd.AddCommand(credentialCmd)
	credentialCmd.AddCommand(credentialAddCmd)
	credentialCmd.AddCommand(credentialListCmd)
	credentialAddCmd.Flags().StringVar(&recordPlatform, "platform", "", "site or application")
	credentialAddCmd.Flags().StringVar(&recordUsername, "username", "", "account name")
	credentialAddCmd.Flags().StringVar(&recordValue, "value", "", "the password (prompted when omitted)")

	rootCmd.AddCommand(otpCmd)
	otpCmd.AddCommand(otpAddCmd)
	otpCmd.AddCommand(otpListCmd)
	otpCmd.AddCommand(otpImportCmd)

	rootCmd.AddCommand(passkeyCmd)
	passkeyCmd.AddCommand(passkeyAddCmd)
	passkeyCmd.AddCommand(passkeyListCmd)
	passkeyAddCmd.Flags().StringVar(&recordLabel, "label", "", "what the passkey belongs to")
	passkeyAddCmd.Flags().StringVar(&recordSecret, "secret", "", "the passkey or backup code (prompted when omitted)")
	_ = passkeyAddCmd.MarkFlagRequired("label")

	rootCmd.AddCommand(envCmd)
	envCmd.AddCommand(envAddCmd)
	envCmd.AddCommand(envListCmd)

	for _, c := range []*cobra.Command{credentialListCmd, otpListCmd, passkeyListCmd, envListCmd} {
		c.Flags().BoolVar(&showSecrets, "show", false, "print secret values")
		c.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")
	}
}

func runDataGet(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	raw, err := vault.GetData(args[0])
	if err != nil {
		return err
	}
	if raw == nil {
		fmt.Println("null")
		return nil
	}
	var value interface{}
	if err = json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("slot %s does not hold JSON: %w", args[0], err)
	}
	return printJSON(value)
}

func runDataSet(cmd *cobra.Command, args []string) error {
	var value interface{}
	if err := json.Unmarshal([]byte(args[1]), &value); err != nil {
		return fmt.Errorf("value is not valid JSON: %w", err)
	}
	if err := unlockVault(); err != nil {
		return err
	}
	if err := vault.UpdateData(args[0], value); err != nil {
		return err
	}
	fmt.Printf("%s Saved %s\n", success("✓"), args[0])
	return nil
}

func runCredentialAdd(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	value := recordValue
	if value == "" {
		var err error
		if value, err = promptPassword("Password to store: "); err != nil {
			return err
		}
	}
	record, err := vault.AddCredential(tamga.Credential{
		Platform: recordPlatform,
		Username: recordUsername,
		Value:    value,
	})
	if err != nil {
		return err
	}
	fmt.Printf("%s Added credential %s\n", success("✓"), formatID(record.ID))
	return nil
}

func runCredentialList(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	records, err := tamga.LoadCollection[tamga.Credential](vault, tamga.CollectionCredentials)
	if err != nil {
		return err
	}
	if !showSecrets {
		for i := range records {
			records[i].Value = mask(records[i].Value)
		}
	}
	if listJSON {
		return printJSON(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tUSERNAME\tVALUE\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", formatID(r.ID), r.Platform, r.Username, r.Value, r.CreatedAt)
	}
	return w.Flush()
}

func runOTPAdd(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	added, skipped, err := vault.AddOTPURIs(args)
	if err != nil {
		return err
	}
	fmt.Printf("%s Added %d OTP URIs, %d already present\n", success("✓"), added, skipped)
	return nil
}

func runOTPList(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	uris, err := tamga.LoadCollection[string](vault, tamga.CollectionOTP)
	if err != nil {
		return err
	}
	if !showSecrets {
		for i := range uris {
			uris[i] = maskOTPSecret(uris[i])
		}
	}
	if listJSON {
		return printJSON(uris)
	}
	for _, uri := range uris {
		fmt.Println(uri)
	}
	return nil
}

func runOTPImport(cmd *cobra.Command, args []string) error {
	sources := []string{args[0]}
	if args[0] == "-" {
		sources = sources[:0]
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				sources = append(sources, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("failed to read stdin: %w", err)
		}
	}

	var uris []string
	for _, src := range sources {
		decoded, err := otpmigration.Decode(src)
		if err != nil {
			return fmt.Errorf("failed to decode migration URI: %w", err)
		}
		uris = append(uris, decoded...)
	}
	if len(uris) == 0 {
		fmt.Println(warning("The export holds no accounts"))
		return nil
	}

	if err := unlockVault(); err != nil {
		return err
	}
	added, skipped, err := vault.AddOTPURIs(uris)
	if err != nil {
		return err
	}
	fmt.Printf("%s Imported %d accounts, %d already present\n", success("✓"), added, skipped)
	return nil
}

func runPasskeyAdd(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	secret := recordSecret
	if secret == "" {
		var err error
		if secret, err = promptPassword("Passkey or backup code: "); err != nil {
			return err
		}
	}
	record, err := vault.AddPasskey(tamga.PasskeyEntry{Label: recordLabel, Secret: secret})
	if err != nil {
		return err
	}
	fmt.Printf("%s Added passkey %s\n", success("✓"), formatID(record.ID))
	return nil
}

func runPasskeyList(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	records, err := tamga.LoadCollection[tamga.PasskeyEntry](vault, tamga.CollectionPasskeys)
	if err != nil {
		return err
	}
	if !showSecrets {
		for i := range records {
			records[i].Secret = mask(records[i].Secret)
		}
	}
	if listJSON {
		return printJSON(records)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tSECRET\tCREATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", formatID(r.ID), r.Label, r.Secret, r.CreatedAt)
	}
	return w.Flush()
}

func runEnvAdd(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[1], err)
	}
	if err = unlockVault(); err != nil {
		return err
	}
	record, err := vault.AddEnvFile(tamga.EnvFile{ProjectName: args[0], Content: string(content)})
	if err != nil {
		return err
	}
	fmt.Printf("%s Stored .env for %s as %s\n", success("✓"), highlight(args[0]), formatID(record.ID))
	return nil
}

func runEnvList(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	records, err := tamga.LoadCollection[tamga.EnvFile](vault, tamga.CollectionEnvFiles)
	if err != nil {
		return err
	}
	if listJSON {
		if !showSecrets {
			for i := range records {
				records[i].Content = mask(records[i].Content)
			}
		}
		return printJSON(records)
	}

	for _, r := range records {
		fmt.Printf("%s %s (%s)\n", highlight(r.ProjectName), formatID(r.ID), r.CreatedAt)
		if showSecrets {
			fmt.Println(r.Content)
		} else {
			fmt.Printf("  %d variables\n", countEnvVars(r.Content))
		}
	}
	return nil
}

func formatID(id float64) string {
	return fmt.Sprintf("%.0f", id)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

// maskOTPSecret hides the secret query parameter of an otpauth URI.
func maskOTPSecret(uri string) string {
	i := strings.Index(uri, "secret=")
	if i < 0 {
		return uri
	}
	start := i + len("secret=")
	end := strings.IndexByte(uri[start:], '&')
	if end < 0 {
		return uri[:start] + "********"
	}
	return uri[:start] + "********" + uri[start+end:]
}

func countEnvVars(content string) int {
	n := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") && strings.Contains(line, "=") {
			n++
		}
	}
	return n
}

func countItems(raw json.RawMessage) int {
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}
