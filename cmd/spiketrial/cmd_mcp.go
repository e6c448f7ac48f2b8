package main

import (
	"fmt"
	"path/filepath"

	"github.com/nvandessel/spiketrial/internal/logging"
	"github.com/nvandessel/spiketrial/internal/mcp"
	"github.com/spf13/cobra"
)

func newMCPServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp-server",
		Short: "Serve the trial registry to MCP clients over stdio",
		Long: `Start an MCP (Model Context Protocol) server on stdin/stdout.

Tools:
  trial_list       List registered trials
  trial_show       Show one trial with phases and progress
  weights_summary  Summarise a trial's weight snapshot

Snapshot directories given by path must lie under the registry's
directory or the configured output directory. Logs go to stderr. Every
tool call is appended to mcp_audit.jsonl next to the registry unless
--no-audit is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("registry")
			noAudit, _ := cmd.Flags().GetBool("no-audit")

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if path == "" {
				path = cfg.Output.Registry
			}
			if path == "" {
				return fmt.Errorf("no trial registry configured (set output.registry or --registry)")
			}

			auditDir := filepath.Dir(path)
			if noAudit {
				auditDir = ""
			}

			server, err := mcp.NewServer(&mcp.Config{
				Name:        "spiketrial",
				Version:     version,
				Registry:    path,
				AuditDir:    auditDir,
				AllowedDirs: []string{cfg.Output.Dir},
				Logger:      logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr()),
			})
			if err != nil {
				return fmt.Errorf("failed to create MCP server: %w", err)
			}
			return server.Run(cmd.Context())
		},
	}

	cmd.Flags().String("registry", "", "Trial registry database path (default from config)")
	cmd.Flags().Bool("no-audit", false, "Do not write the tool call audit log")

	return cmd
}
