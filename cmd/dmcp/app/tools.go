package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/deechat/dmcp/pkg/core"
)

func newToolsCommand() *cobra.Command {
	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Discover and invoke tools on enabled servers",
	}
	toolsCmd.AddCommand(newToolsListCmd())
	toolsCmd.AddCommand(newToolsCallCmd())
	return toolsCmd
}

func newToolsListCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:          "list",
		Short:        "List tools across every enabled server",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			orch, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer orch.Shutdown(context.Background())

			var tools []core.Tool
			if query != "" {
				tools, err = orch.SearchTools(cmd.Context(), query)
			} else {
				tools, err = orch.GetAllTools(cmd.Context())
			}
			if err != nil {
				return err
			}
			return renderToolTable(tools)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "Filter tools by substring match")
	return cmd
}

func renderToolTable(tools []core.Tool) error {
	if len(tools) == 0 {
		fmt.Println("No tools discovered.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Options(
		tablewriter.WithHeader([]string{"Server", "Tool", "Category", "Description"}),
		tablewriter.WithAlignment(tw.MakeAlign(4, tw.AlignLeft)),
	)
	for _, tool := range tools {
		if err := table.Append([]string{tool.ServerName, tool.Name, tool.Category, tool.Description}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

func newToolsCallCmd() *cobra.Command {
	var argsJSON string
	cmd := &cobra.Command{
		Use:          "call <server-id> <tool-name>",
		Short:        "Invoke one tool on one server",
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var arguments map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &arguments); err != nil {
					return fmt.Errorf("failed to decode --args: %w", err)
				}
			}

			orch, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer orch.Shutdown(context.Background())

			resp, err := orch.CallTool(cmd.Context(), core.ToolCallRequest{
				ServerID:  args[0],
				ToolName:  args[1],
				Arguments: arguments,
			})
			if err != nil {
				return err
			}

			encoded, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			if !resp.Success {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}
