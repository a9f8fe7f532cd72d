package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage vault profiles",
	Long:  "Each profile is an independent vault with its own master password, salt and collections.",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles",
	RunE:  runProfilesList,
}

var profilesDeleteCmd = &cobra.Command{
	Use:   "delete <profile>",
	Short: "Delete a profile and all of its data",
	Args:  cobra.ExactArgs(1),
	RunE:  audited(runProfilesDelete),
}

var profileDeleteForce bool

func init() {
	rootCmd.AddCommand(profilesCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesDeleteCmd)

	profilesDeleteCmd.Flags().BoolVar(&profileDeleteForce, "force", false, "skip the confirmation prompt")
}

func runProfilesList(cmd *cobra.Command, args []string) error {
	profiles, err := manager.ListProfiles()
	if err != nil {
		return err
	}
	for _, p := range profiles {
		if p == profileName {
			fmt.Printf("* %s\n", highlight(p))
		} else {
			fmt.Printf("  %s\n", p)
		}
	}
	return nil
}

func runProfilesDelete(cmd *cobra.Command, args []string) error {
	target := args[0]
	if !profileDeleteForce && !promptConfirmation(warning(fmt.Sprintf("Delete profile %s and all of its data?", target))) {
		fmt.Println("Cancelled")
		return nil
	}
	if err := manager.DeleteProfile(target); err != nil {
		return err
	}
	fmt.Printf("%s Deleted profile %s\n", success("✓"), target)
	return nil
}
