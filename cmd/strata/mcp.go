package main

import (
	strataMCP "github.com/hyperengineering/strata/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server for agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio, exposing the
strata_* tools (find, get, count, save, remove, push, pull, sync, purge,
status) to coding agents.

Example agent configuration:

  {
    "mcpServers": {
      "strata": {
        "command": "strata",
        "args": ["mcp", "--mode", "auto"],
        "env": {
          "STRATA_DB_PATH": "/path/to/cache.db",
          "STRATA_BASE_URL": "https://api.example.com/appdata/app",
          "STRATA_APP_KEY": "app",
          "STRATA_AUTH_TOKEN": "token"
        }
      }
    }
  }`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	opts, err := storeOptions()
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	return strataMCP.NewServer(client, opts).Run()
}
