package cmd

import (
	"encoding/hex"
	"fmt"

	"github.com/osmn-byhn/tamga"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Set the master password",
	Long: `Set the master password of a fresh profile. Collections written later are
sealed under a key derived from it.`,
	RunE: audited(runInit),
}

var unlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Check the master password",
	Long:  "Derive the key and verify it against the stored validator. Nothing is cached between invocations.",
	RunE:  audited(runUnlock),
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the master password",
	Long: `Re-seal every collection under a key derived from a new password and a new
salt. Backups made before the change need the old password.`,
	RunE: audited(runPasswd),
}

var removeCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove the master password",
	Long: `Wipe every slot of the profile, collections included, and return it to the
fresh state. Export a backup first to keep the data.`,
	RunE: audited(runRemove),
}

var saltCmd = &cobra.Command{
	Use:   "salt",
	Short: "Print the vault salt",
	Long:  "Print the salt as hex. Another device needs it to import this vault's legacy backups.",
	RunE:  runSalt,
}

var (
	newPassword string
	removeForce bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(unlockCmd)
	rootCmd.AddCommand(passwdCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(saltCmd)

	passwdCmd.Flags().StringVar(&newPassword, "new-password", "", "new master password (prompted when omitted)")
	removeCmd.Flags().BoolVar(&removeForce, "force", false, "skip the confirmation prompt")
}

func runInit(cmd *cobra.Command, args []string) error {
	if vault.HasPassword() {
		return fmt.Errorf("profile %s already has a master password; use 'tamga passwd' to change it", profileName)
	}

	pw := password
	if pw == "" {
		var err error
		if passwordSupplied() {
			pw, err = resolvePassword("")
		} else {
			pw, err = promptNewPassword("New master password: ")
		}
		if err != nil {
			return err
		}
	}

	if err := withSpinner("Deriving key...", func() error {
		return vault.SetMasterPassword(pw)
	}); err != nil {
		return err
	}

	fmt.Printf("%s Master password set for profile %s\n", success("✓"), highlight(profileName))
	return nil
}

func runUnlock(cmd *cobra.Command, args []string) error {
	if err := unlockVault(); err != nil {
		return err
	}
	fmt.Printf("%s Password accepted for profile %s\n", success("✓"), highlight(profileName))
	return nil
}

func runPasswd(cmd *cobra.Command, args []string) error {
	if !vault.HasPassword() {
		return tamga.ErrNotConfigured
	}
	current, err := resolvePassword("Current master password: ")
	if err != nil {
		return err
	}

	next := newPassword
	if next == "" {
		if next, err = promptNewPassword("New master password: "); err != nil {
			return err
		}
	}

	err = withSpinner("Re-sealing collections...", func() error {
		return vault.ChangeMasterPassword(current, next)
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s Master password changed\n", success("✓"))
	return nil
}

func runRemove(cmd *cobra.Command, args []string) error {
	if !vault.HasPassword() {
		return tamga.ErrNotConfigured
	}
	if !removeForce && !promptConfirmation(warning("Every collection of this profile will be deleted. Continue?")) {
		fmt.Println("Cancelled")
		return nil
	}
	if err := vault.RemoveMasterPassword(); err != nil {
		return err
	}
	fmt.Printf("%s Master password removed from profile %s\n", success("✓"), highlight(profileName))
	return nil
}

func runSalt(cmd *cobra.Command, args []string) error {
	salt, err := vault.Salt()
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(salt))
	return nil
}
