package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/osmn-byhn/tamga"
	"github.com/spf13/cobra"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Export and import encrypted backups",
	Long: `Export the vault's collections as an encrypted bundle, or import one.
Importing onto a fresh profile restores the bundle and adopts its salt. Importing
into a configured profile merges records and skips duplicates.`,
}

var exportBackupCmd = &cobra.Command{
	Use:   "export [file]",
	Short: "Write an encrypted backup bundle",
	Long:  "Write the bundle to file, or to stdout when file is omitted or '-'.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  audited(runExport),
}

var importBackupCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Restore or merge a backup bundle",
	Long: `Restore a bundle onto a fresh profile, or merge it into a configured one.

--backup-password is the master password of the device that made the bundle.
When merging without it, the bundle must have been made with this vault's key.
--salt is only needed for legacy bundles that carry no salt.`,
	Args: cobra.ExactArgs(1),
	RunE: audited(runImport),
}

var storeBackupCmd = &cobra.Command{
	Use:   "store",
	Short: "Keep backups in the vault's own store",
}

var storeBackupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Save a backup bundle in the store",
	RunE:  audited(runStoreBackupCreate),
}

var storeBackupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List backups kept in the store",
	RunE:  runStoreBackupList,
}

var storeBackupRestoreCmd = &cobra.Command{
	Use:   "restore <backup-id>",
	Short: "Import a backup kept in the store",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runStoreBackupRestore),
}

var storeBackupDeleteCmd = &cobra.Command{
	Use:   "delete <backup-id>",
	Short: "Delete a backup kept in the store",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runStoreBackupDelete),
}

var (
	backupPassword string
	backupSalt     string
	importJSON     bool
)

func init() {
	rootCmd.AddCommand(backupCmd)

	backupCmd.AddCommand(exportBackupCmd)
	backupCmd.AddCommand(importBackupCmd)
	backupCmd.AddCommand(storeBackupCmd)

	storeBackupCmd.AddCommand(storeBackupCreateCmd)
	storeBackupCmd.AddCommand(storeBackupListCmd)
	storeBackupCmd.AddCommand(storeBackupRestoreCmd)
	storeBackupCmd.AddCommand(storeBackupDeleteCmd)

	for _, c := range []*cobra.Command{importBackupCmd, storeBackupRestoreCmd} {
		c.Flags().StringVar(&backupPassword, "backup-password", "", "master password of the device that made the backup (or use TAMGA_BACKUP_PASSWORD env var)")
		c.Flags().StringVar(&backupSalt, "salt", "", "salt for legacy backups, as hex or a JSON byte array")
		c.Flags().BoolVar(&importJSON, "json", false, "print the import result as JSON")
	}
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	bundle, err := vault.ExportData()
	if err != nil {
		return err
	}

	if len(args) == 0 || args[0] == "-" {
		_, err = os.Stdout.Write(append(bundle, '\n'))
		return err
	}

	if err = os.WriteFile(args[0], bundle, 0600); err != nil {
		return fmt.Errorf("failed to write backup: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s Backup written to %s (%d bytes)\n", success("✓"), args[0], len(bundle))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	var (
		bundle []byte
		err    error
	)
	if args[0] == "-" {
		bundle, err = io.ReadAll(os.Stdin)
	} else {
		bundle, err = os.ReadFile(args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to read backup: %w", err)
	}

	opts, err := importOptions()
	if err != nil {
		return err
	}

	var result *tamga.ImportResult
	err = withSpinner("Importing...", func() error {
		var importErr error
		result, importErr = vault.ImportData(bundle, opts)
		return importErr
	})
	if err != nil {
		return err
	}
	return printImportResult(result)
}

// importOptions unlocks a configured vault, since merging needs its key, and
// collects the backup password and salt.
func importOptions() (tamga.ImportOptions, error) {
	var opts tamga.ImportOptions

	if backupSalt != "" {
		salt, err := parseSalt(backupSalt)
		if err != nil {
			return opts, err
		}
		opts.ManualSalt = salt
	}

	opts.Password = backupPassword
	if opts.Password == "" {
		opts.Password = os.Getenv("TAMGA_BACKUP_PASSWORD")
	}

	if vault.HasPassword() {
		return opts, unlockVault()
	}

	if opts.Password == "" {
		pw, err := resolvePassword("Backup password: ")
		if err != nil {
			return opts, err
		}
		opts.Password = pw
	}
	return opts, nil
}

// parseSalt accepts hex as printed by 'tamga salt' or a JSON byte array.
func parseSalt(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "[") {
		var salt []byte
		var ints []int
		if err := json.Unmarshal([]byte(s), &ints); err != nil {
			return nil, fmt.Errorf("%w: %v", tamga.ErrInvalidSalt, err)
		}
		for _, n := range ints {
			if n < 0 || n > 255 {
				return nil, tamga.ErrInvalidSalt
			}
			salt = append(salt, byte(n))
		}
		return salt, nil
	}
	salt, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tamga.ErrInvalidSalt, err)
	}
	return salt, nil
}

func printImportResult(result *tamga.ImportResult) error {
	if importJSON {
		return printJSON(result)
	}

	if result.Restored {
		fmt.Printf("%s Restored %d records onto a fresh vault\n", success("✓"), result.Added)
	} else {
		fmt.Printf("%s Merged %d records, skipped %d duplicates\n", success("✓"), result.Added, result.Skipped)
	}

	slots := make([]string, 0, len(result.PerCollection))
	for slot := range result.PerCollection {
		slots = append(slots, slot)
	}
	sort.Strings(slots)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SLOT\tADDED\tSKIPPED\tOVERWRITTEN")
	for _, slot := range slots {
		stats := result.PerCollection[slot]
		fmt.Fprintf(w, "%s\t%d\t%d\t%v\n", slot, stats.Added, stats.Skipped, stats.Overwritten)
	}
	return w.Flush()
}

func runStoreBackupCreate(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	info, err := vault.ExportToStore()
	if err != nil {
		return err
	}
	fmt.Printf("%s Backup %s saved (%d bytes)\n", success("✓"), highlight(info.BackupID), info.FileSize)
	return nil
}

func runStoreBackupList(cmd *cobra.Command, args []string) error {
	backups, err := vault.ListBackups()
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		fmt.Println("No backups found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tSIZE\tCHECKSUM")
	for _, b := range backups {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", b.BackupID, b.BackupTimestamp.Format("2006-01-02 15:04:05"), b.FileSize, b.Checksum)
	}
	return w.Flush()
}

func runStoreBackupRestore(cmd *cobra.Command, args []string) error {
	opts, err := importOptions()
	if err != nil {
		return err
	}
	result, err := vault.ImportFromStore(args[0], opts)
	if err != nil {
		return err
	}
	return printImportResult(result)
}

func runStoreBackupDelete(cmd *cobra.Command, args []string) error {
	if err := vault.DeleteBackup(args[0]); err != nil {
		return err
	}
	fmt.Printf("%s Deleted backup %s\n", success("✓"), args[0])
	return nil
}
