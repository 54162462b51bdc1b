// meshd runs the AgentMesh broker. With no arguments it boots the broker
// and blocks until a shutdown signal; subcommands manage policies, inspect
// the audit chain, run adapter workers, and probe a running broker over
// the transport.
package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands. Split from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServeCmd(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServeCmd(args[2:], stdout, stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "adapter":
		return runAdapterCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServeCmd(args[1:], stdout, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "meshd - policy-enforcing broker for agent and knowledge-base traffic")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  meshd [serve] [flags]      run the broker (default)")
	fmt.Fprintln(w, "  meshd policy <subcommand>  manage policies (upload|list|show|delete)")
	fmt.Fprintln(w, "  meshd audit <subcommand>   inspect the audit log (verify|stats)")
	fmt.Fprintln(w, "  meshd adapter [flags]      run an adapter worker for one knowledge base")
	fmt.Fprintln(w, "  meshd health [flags]       query a running broker over the transport")
	fmt.Fprintln(w, "  meshd help                 show this help")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Configuration comes from MESH_* environment variables, optionally")
	fmt.Fprintln(w, "layered with a YAML tuning file (MESH_CONFIG_FILE or --config).")
}
