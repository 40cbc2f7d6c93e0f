package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/deechat/dmcp/pkg/core"
	"github.com/deechat/dmcp/pkg/orchestrator"
)

func newServerCommand() *cobra.Command {
	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Manage stored MCP server configurations",
	}
	serverCmd.AddCommand(newServerListCmd())
	serverCmd.AddCommand(newServerAddCmd())
	serverCmd.AddCommand(newServerRemoveCmd())
	serverCmd.AddCommand(newServerEnableCmd(true))
	serverCmd.AddCommand(newServerEnableCmd(false))
	serverCmd.AddCommand(newServerTestCmd())
	serverCmd.AddCommand(newServerImportCmd())
	serverCmd.AddCommand(newServerExportCmd())
	return serverCmd
}

func newServerListCmd() *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List stored server configurations",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := newConfigStore()
			if err != nil {
				return err
			}

			var servers []core.ServerConfig
			if collection != "" {
				parsed, err := core.ParseCollection(collection)
				if err != nil {
					return err
				}
				servers = store.GetByCollection(parsed)
			} else {
				servers = store.GetAll()
			}
			return renderServerTable(servers)
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Only list one collection (system, user, project)")
	return cmd
}

func renderServerTable(servers []core.ServerConfig) error {
	if len(servers) == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"ID", "Name", "Type", "Collection", "Enabled"}),
		tablewriter.WithAlignment(tw.MakeAlign(5, tw.AlignLeft)),
	)
	for _, s := range servers {
		enabled := "no"
		if s.IsEnabled {
			enabled = "yes"
		}
		if err := table.Append([]string{s.ID, s.Name, string(s.Type), s.Collection.String(), enabled}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newServerAddCmd() *cobra.Command {
	var fromFile string
	cmd := &cobra.Command{
		Use:          "add",
		Short:        "Add a server configuration from a JSON file or stdin",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			var data []byte
			var err error
			if fromFile == "" || fromFile == "-" {
				data, err = io.ReadAll(os.Stdin)
			} else {
				data, err = os.ReadFile(fromFile)
			}
			if err != nil {
				return err
			}

			var cfg core.ServerConfig
			if err := json.Unmarshal(data, &cfg); err != nil {
				return fmt.Errorf("failed to decode server config: %w", err)
			}

			store, err := newConfigStore()
			if err != nil {
				return err
			}
			added, err := store.Add(&cfg)
			if err != nil {
				return err
			}
			fmt.Printf("Added server %s (%s)\n", added.Name, added.ID)
			return nil
		},
	}
	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "Config file to read (defaults to stdin)")
	return cmd
}

func newServerRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "remove <id>",
		Short:        "Remove a stored server configuration",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := newConfigStore()
			if err != nil {
				return err
			}
			if err := store.Remove(args[0]); err != nil {
				return err
			}
			fmt.Printf("Removed server %s\n", args[0])
			return nil
		},
	}
}

func newServerEnableCmd(enable bool) *cobra.Command {
	verb := "enable"
	if !enable {
		verb = "disable"
	}
	return &cobra.Command{
		Use:          verb + " <id>",
		Short:        strings.ToUpper(verb[:1]) + verb[1:] + " a stored server configuration",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			store, err := newConfigStore()
			if err != nil {
				return err
			}
			if _, err := store.Update(args[0], map[string]any{"isEnabled": enable}); err != nil {
				return err
			}
			fmt.Printf("Server %s %sd\n", args[0], verb)
			return nil
		},
	}
}

func newServerTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "test <id>",
		Short:        "Probe a stored server with an ephemeral connection",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := newConfigStore()
			if err != nil {
				return err
			}
			cfg, ok := store.Get(args[0])
			if !ok {
				return fmt.Errorf("unknown server id %q", args[0])
			}

			appCfg, err := configProvider().LoadOrCreateConfig()
			if err != nil {
				return err
			}
			orch := orchestrator.New(orchestratorOptions(appCfg)...)
			defer orch.Shutdown(context.Background())

			if err := orch.TestConnection(cmd.Context(), cfg); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			fmt.Printf("Server %s is reachable\n", args[0])
			return nil
		},
	}
}

func newServerImportCmd() *cobra.Command {
	var collection string
	cmd := &cobra.Command{
		Use:          "import <file>",
		Short:        "Import server configurations from a JSON payload",
		Long:         "Accepts a bare array, {\"servers\": [...]}, or the desktop-client {\"mcpServers\": {...}} shape.",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			parsed, err := core.ParseCollection(collection)
			if err != nil {
				return err
			}

			store, err := newConfigStore()
			if err != nil {
				return err
			}
			result, err := store.Import(data, parsed)
			if err != nil {
				return err
			}
			fmt.Printf("Imported %d servers (%d skipped)\n", len(result.Added), result.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "user", "Target collection (user, project)")
	return cmd
}

func newServerExportCmd() *cobra.Command {
	return &cobra.Command{
		Use:          "export",
		Short:        "Export stored server configurations as JSON",
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			store, err := newConfigStore()
			if err != nil {
				return err
			}
			encoded, err := json.MarshalIndent(store.Export(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
}
