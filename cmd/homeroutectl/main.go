package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/homeroute/homeroute/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "homeroutectl",
	Short: "Operator CLI for the homeroute registry",
	Long: `homeroutectl talks to the registry's admin API to register
applications, inspect the fleet, run service commands on agents, and
announce agent binary updates.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"homeroutectl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("api-addr", "http://127.0.0.1:7080", "Registry admin API address")

	rootCmd.AddCommand(appCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(healthCmd)
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("api-addr")
	return client.NewClient(addr)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check registry health",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).Health(); err != nil {
			return err
		}
		fmt.Println("✓ Registry is healthy")
		return nil
	},
}

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Manage agent updates",
}

var updateAnnounceCmd = &cobra.Command{
	Use:   "announce VERSION",
	Short: "Announce a new agent binary to all connected agents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		sha256, _ := cmd.Flags().GetString("sha256")

		if err := apiClient(cmd).AnnounceUpdate(args[0], url, sha256); err != nil {
			return err
		}
		fmt.Printf("✓ Update %s announced\n", args[0])
		return nil
	},
}

func init() {
	updateCmd.AddCommand(updateAnnounceCmd)

	updateAnnounceCmd.Flags().String("url", "", "Download URL for the new binary")
	updateAnnounceCmd.Flags().String("sha256", "", "Hex SHA-256 digest of the new binary")
	updateAnnounceCmd.MarkFlagRequired("url")
	updateAnnounceCmd.MarkFlagRequired("sha256")
}
