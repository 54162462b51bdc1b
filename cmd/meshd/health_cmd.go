package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/schema"
	"github.com/agentmesh/mesh/pkg/transport"
)

// runHealthCmd asks a running broker for its health over the transport.
// Exit 0 only when every component reports healthy.
func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("health", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	timeout := cmd.Duration("timeout", 5*time.Second, "request timeout")
	jsonOut := cmd.Bool("json", false, "print the raw reply")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 2
	}

	conn, err := transport.DialNATS(cfg.TransportURL)
	if err != nil {
		fmt.Fprintf(stderr, "transport: %v\n", err)
		return 1
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	raw, err := conn.Request(ctx, schema.SubjectHealth, []byte(`{}`))
	if err != nil {
		fmt.Fprintf(stderr, "health request failed: %v\n", err)
		return 1
	}

	var reply schema.HealthReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		fmt.Fprintf(stderr, "unreadable reply: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(reply, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
	} else {
		fmt.Fprintf(stdout, "status: %s\n", reply.Status)
		names := make([]string, 0, len(reply.Components))
		for name := range reply.Components {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(stdout, "  %-18s %s\n", name, reply.Components[name])
		}
		if reply.Summary != nil {
			fmt.Fprintf(stdout, "agents: %d active / %d total\n",
				reply.Summary.Agents.Active, reply.Summary.Agents.Total)
			fmt.Fprintf(stdout, "kbs:    %d active / %d total\n",
				reply.Summary.KBs.Active, reply.Summary.KBs.Total)
		}
	}

	if reply.Status != "healthy" {
		return 1
	}
	return 0
}
