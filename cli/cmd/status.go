package cmd

import (
	"fmt"
	"strings"

	"github.com/osmn-byhn/tamga"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show vault status",
	Long:  "Display the profile's lock state, memory protection and, with --password, the size of each collection.",
	RunE:  showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	fmt.Println(highlight("Vault Status"))
	fmt.Println("============")

	fmt.Printf("Profile: %s\n", profileName)
	fmt.Printf("Store: %s\n", getStoreConfigSummary(strings.ToLower(viper.GetString("vault.store_type"))))
	fmt.Printf("State: %s\n", stateLabel(vault.State()))
	fmt.Printf("Memory Protection: %s\n", vault.SecureMemoryProtection())

	if !vault.HasPassword() {
		fmt.Println(warning("No master password is set. Run 'tamga init'."))
		return nil
	}

	if !passwordSupplied() {
		return nil
	}
	if err := unlockVault(); err != nil {
		return err
	}

	fmt.Println("\nCollections:")
	for _, c := range tamga.Collections() {
		raw, err := vault.GetData(vault.SlotName(c))
		if err != nil {
			fmt.Printf("  %-14s ERROR - %v\n", c.Name, err)
			continue
		}
		fmt.Printf("  %-14s %d\n", c.Name, countItems(raw))
	}
	return nil
}

func stateLabel(s tamga.State) string {
	switch s {
	case tamga.StateUnlocked:
		return success(s.String())
	case tamga.StateLocked:
		return warning(s.String())
	default:
		return s.String()
	}
}
