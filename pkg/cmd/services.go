package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/portwatch"
)

func serviceCommands(l *loader) *cobra.Command {
	svc := &cobra.Command{
		Use:     "services",
		Short:   "Manage monitored services",
		GroupID: "manage",
	}

	svc.AddCommand(
		listCommand(l),
		showCommand(l),
		addCommand(l),
		removeCommand(l),
		credentialsCommand(l),
	)
	return svc
}

func listCommand(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List services and their last known status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			services, err := engine.ListServices()
			if err != nil {
				return err
			}
			printServices(services)
			return nil
		},
	}
}

func showCommand(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show a single service in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			svc, err := engine.GetService(id)
			if err != nil {
				return err
			}

			origin := "registry"
			if svc.Manual {
				origin = "manual"
			}

			fmt.Printf("%-15s %d\n", "ID", svc.ID)
			fmt.Printf("%-15s %s\n", "Name", svc.Name)
			fmt.Printf("%-15s %s\n", "URL", svc.URL)
			fmt.Printf("%-15s %s\n", "Origin", origin)
			if svc.Description != "" {
				fmt.Printf("%-15s %s\n", "Description", svc.Description)
			}
			if svc.Tags != "" {
				fmt.Printf("%-15s %s\n", "Tags", svc.Tags)
			}
			fmt.Printf("%-15s %s\n", "Status", svc.Status)
			fmt.Printf("%-15s %s\n", "Response time", formatRTT(svc.ResponseTime))
			fmt.Printf("%-15s %s\n", "Last checked", formatTime(svc.LastChecked))
			if pct, err := engine.Uptime(id); err == nil {
				fmt.Printf("%-15s %s\n", "Uptime", formatUptime(pct))
			}
			fmt.Printf("%-15s %t\n", "API detected", svc.ApiDetected)
			if svc.ApiDetected {
				fmt.Printf("%-15s %s\n", "API type", svc.ApiType)
				fmt.Printf("%-15s %s\n", "API endpoint", svc.ApiEndpoint)
			}
			if svc.ApiURL != "" {
				fmt.Printf("%-15s %s\n", "API URL", svc.ApiURL)
			}
			fmt.Printf("%-15s %t\n", "Credentials", svc.HasCredentials())
			return nil
		},
	}
}

func addCommand(l *loader) *cobra.Command {
	var icon, description, tags string

	cmd := &cobra.Command{
		Use:   "add [name] [url]",
		Short: "Add a service by hand",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			svc, err := engine.CreateService(args[0], args[1])
			if err != nil {
				return err
			}

			edit := portwatch.ServiceEdit{
				Icon:        optional(icon),
				Description: optional(description),
				Tags:        optional(tags),
			}
			if edit.Icon != nil || edit.Description != nil || edit.Tags != nil {
				if svc, err = engine.UpdateService(svc.ID, edit); err != nil {
					return err
				}
			}

			// first verdict right away
			if checked, err := engine.CheckService(cmd.Context(), svc.ID); err == nil {
				svc = checked
			}

			printServices([]*portwatch.Service{svc})
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&icon, "icon", unset, "Icon name or emoji")
	flags.StringVar(&description, "description", unset, "What this service is")
	flags.StringVar(&tags, "tags", unset, "Comma-separated tags")
	return cmd
}

func removeCommand(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:   "remove [id]...",
		Short: "Remove manual services",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				if err := engine.DeleteService(id); err != nil {
					return err
				}
				fmt.Printf("removed service %d\n", id)
			}
			return nil
		},
	}
}

func credentialsCommand(l *loader) *cobra.Command {
	var username, password, apiKey, apiURL, authEndpoint, apiType string

	cmd := &cobra.Command{
		Use:   "credentials [id] [--username] [--password] [--api-key] [--api-url] [--auth-endpoint] [--api-type]",
		Short: "Store API credentials for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			svc, err := engine.SetCredentials(id, portwatch.Credentials{
				Username:     optional(username),
				Password:     optional(password),
				ApiKey:       optional(apiKey),
				ApiURL:       optional(apiURL),
				AuthEndpoint: optional(authEndpoint),
				ApiType:      optional(apiType),
			})
			if err != nil {
				return err
			}

			fmt.Printf("credentials updated for %q\n", svc.Name)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&username, "username", unset, "Login username. Pass an empty string to clear")
	flags.StringVar(&password, "password", unset, "Login password. Stored encrypted")
	flags.StringVar(&apiKey, "api-key", unset, "Static API key. Stored encrypted")
	flags.StringVar(&apiURL, "api-url", unset, "Base URL for API calls when it differs from the probe URL")
	flags.StringVar(&authEndpoint, "auth-endpoint", unset, "Login endpoint path, e.g. /api/v2/auth/login")
	flags.StringVar(&apiType, "api-type", unset, "Declared API type, e.g. qbittorrent")
	return cmd
}

func checkCommand(l *loader) *cobra.Command {
	return &cobra.Command{
		Use:     "check [id]...",
		Short:   "Probe services once and print the verdicts",
		GroupID: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			if len(args) == 0 {
				n := engine.CheckAll(cmd.Context())
				fmt.Printf("checked %d services\n", n)

				services, err := engine.ListServices()
				if err != nil {
					return err
				}
				printServices(services)
				return nil
			}

			var services []*portwatch.Service
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}

				svc, err := engine.CheckService(cmd.Context(), id)
				if err != nil {
					return err
				}
				services = append(services, svc)
			}
			printServices(services)
			return nil
		},
	}
}

func detectCommand(l *loader) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "detect [id]...",
		Short:   "Scan services for an API. All of them without arguments",
		GroupID: "run",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			ids := make([]uint, 0, len(args))
			for _, arg := range args {
				id, err := parseID(arg)
				if err != nil {
					return err
				}
				ids = append(ids, id)
			}

			if len(ids) == 0 {
				if ids, err = engine.ServiceIDs(); err != nil {
					return err
				}
			}

			for _, id := range ids {
				svc, detected, err := engine.DetectService(cmd.Context(), id, force)
				if err != nil {
					return err
				}

				if !detected {
					fmt.Printf("%-25s | no api found\n", svc.Name)
					continue
				}
				fmt.Printf("%-25s | %s at %s\n", svc.Name, svc.ApiType, svc.ApiEndpoint)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Ignore the detection throttle")
	return cmd
}

func syncCommand(l *loader) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:     "sync",
		Short:   "Discover services from the Traefik registry",
		GroupID: "run",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := l.load()
			if err != nil {
				return err
			}

			n, err := engine.SyncServices(cmd.Context(), force)
			if err != nil {
				return err
			}
			fmt.Printf("synced %d services\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Force API detection on synced services")
	return cmd
}

func printServices(services []*portwatch.Service) {
	fmt.Printf("%-5s | %-25s | %-8s | %-10s | %-50s\n", "ID", "Name", "Status", "RTT", "URL")
	for _, svc := range services {
		fmt.Printf("%-5d | %-25s | %-8s | %-10s | %-50s\n",
			svc.ID, svc.Name, svc.Status, formatRTT(svc.ResponseTime), svc.URL)
	}
}

func formatRTT(rt *float64) string {
	if rt == nil {
		return unset
	}
	return fmt.Sprintf("%.1fms", *rt)
}

func formatUptime(pct *float64) string {
	if pct == nil {
		return unset
	}
	return fmt.Sprintf("%.1f%%", *pct)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.Format(time.RFC3339)
}
