package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/homeroute/homeroute/pkg/types"
)

// Application commands
var appCmd = &cobra.Command{
	Use:   "app",
	Short: "Manage applications",
}

var appCreateCmd = &cobra.Command{
	Use:   "create SLUG",
	Short: "Register a new application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		slug := args[0]
		name, _ := cmd.Flags().GetString("name")
		container, _ := cmd.Flags().GetString("container")
		port, _ := cmd.Flags().GetInt("port")
		authRequired, _ := cmd.Flags().GetBool("auth")
		groups, _ := cmd.Flags().GetStringSlice("groups")

		if name == "" {
			name = slug
		}

		result, err := apiClient(cmd).CreateApplication(slug, name, container, types.FrontendEndpoint{
			Port:          port,
			AuthRequired:  authRequired,
			AllowedGroups: groups,
		}, nil)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Application '%s' created\n", slug)
		fmt.Printf("  ID:           %s\n", result.Application.ID)
		fmt.Printf("  IPv6 suffix:  %d\n", result.Application.IPv6Suffix)
		fmt.Printf("  Address:      %s\n", result.Application.IPv6Address)
		fmt.Println()
		fmt.Println("Agent token (shown once, store it now):")
		fmt.Printf("  %s\n", result.Token)
		return nil
	},
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List applications",
	RunE: func(cmd *cobra.Command, args []string) error {
		apps, err := apiClient(cmd).ListApplications()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLUG\tSTATUS\tADDRESS\tLAST HEARTBEAT\tID")
		for _, app := range apps {
			heartbeat := "never"
			if !app.LastHeartbeat.IsZero() {
				heartbeat = app.LastHeartbeat.Format("2006-01-02 15:04:05")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				app.Slug, app.Status, app.IPv6Address, heartbeat, app.ID)
		}
		return w.Flush()
	},
}

var appGetCmd = &cobra.Command{
	Use:   "get ID",
	Short: "Show one application",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		app, err := apiClient(cmd).GetApplication(args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Slug:          %s\n", app.Slug)
		fmt.Printf("Name:          %s\n", app.Name)
		fmt.Printf("Status:        %s\n", app.Status)
		fmt.Printf("IPv6 address:  %s\n", app.IPv6Address)
		fmt.Printf("Frontend port: %d\n", app.Frontend.Port)
		for _, ep := range app.APIs {
			fmt.Printf("API:           %s -> port %d\n", ep.Subdomain, ep.Port)
		}
		fmt.Printf("Config acked:  v%d\n", app.AckedConfigVersion)
		return nil
	},
}

var appDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Remove an application and its certificates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).DeleteApplication(args[0]); err != nil {
			return err
		}
		fmt.Println("✓ Application deleted")
		return nil
	},
}

var appServiceCmd = &cobra.Command{
	Use:   "service ID SERVICE ACTION",
	Short: "Run a service action (start, stop, restart) on the application's agent",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).SendServiceCommand(args[0], args[1], args[2]); err != nil {
			return err
		}
		fmt.Printf("✓ Sent '%s %s' to agent\n", args[1], args[2])
		return nil
	},
}

var appPushConfigCmd = &cobra.Command{
	Use:   "push-config ID",
	Short: "Push a fresh configuration to the application's agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		version, err := apiClient(cmd).PushConfig(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Config v%d pushed\n", version)
		return nil
	},
}

func init() {
	appCmd.AddCommand(appCreateCmd)
	appCmd.AddCommand(appListCmd)
	appCmd.AddCommand(appGetCmd)
	appCmd.AddCommand(appDeleteCmd)
	appCmd.AddCommand(appServiceCmd)
	appCmd.AddCommand(appPushConfigCmd)

	appCreateCmd.Flags().String("name", "", "Display name (defaults to the slug)")
	appCreateCmd.Flags().String("container", "", "Container name on the agent host")
	appCreateCmd.Flags().Int("port", 0, "Frontend backend port")
	appCreateCmd.Flags().Bool("auth", false, "Require forward-auth on the frontend")
	appCreateCmd.Flags().StringSlice("groups", nil, "Groups allowed through forward-auth")
	appCreateCmd.MarkFlagRequired("port")
}
