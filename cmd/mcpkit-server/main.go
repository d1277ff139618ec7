// mcpkit-server is a demo binary embedding pkg/mcp: it registers one
// sample tool, prompt, and resource template against a Router and serves
// them over either Streamable HTTP or line-delimited stdio.
//
// Grounded on the teacher's cmd/ctxd (cobra command tree, PersistentFlags,
// Version-carrying rootCmd) and cmd/contextd/main.go (signal-driven
// graceful shutdown, flag-to-config wiring), combined into a single
// cobra-based binary per SPEC_FULL.md §9's CLI entry.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "mcpkit-server",
		Short:   "Demo MCP server built on mcpkit",
		Version: version,
	}
	root.AddCommand(newServeCmd())
	return root
}
