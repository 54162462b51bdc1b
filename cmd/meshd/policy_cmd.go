package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/agentmesh/mesh/pkg/config"
	"github.com/agentmesh/mesh/pkg/policy"
	"github.com/agentmesh/mesh/pkg/store"
)

// runPolicyCmd manages policies against the evaluator and the broker
// store directly; no running broker is required.
func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, "usage: meshd policy <upload|list|show|delete> [flags]")
		return 2
	}

	switch args[0] {
	case "upload":
		return runPolicyUpload(args[1:], stdout, stderr)
	case "list":
		return runPolicyList(args[1:], stdout, stderr)
	case "show":
		return runPolicyShow(args[1:], stdout, stderr)
	case "delete":
		return runPolicyDelete(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown policy subcommand: %s\n", args[0])
		return 2
	}
}

// openAdmin builds the policy admin surface from configuration. The
// returned store must be closed by the caller; a non-zero code means
// setup failed and both returns are nil.
func openAdmin(ctx context.Context, stderr io.Writer) (*policy.Admin, store.Store, int) {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return nil, nil, 2
	}
	st, err := store.Open(cfg.StoreDSN)
	if err != nil {
		fmt.Fprintf(stderr, "store: %v\n", err)
		return nil, nil, 1
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		fmt.Fprintf(stderr, "store: %v\n", err)
		return nil, nil, 1
	}
	client := policy.NewOPAClient(policy.OPAConfig{URL: cfg.PolicyURL})
	admin, err := policy.NewAdmin(client, st, cfg.PolicyDir)
	if err != nil {
		_ = st.Close()
		fmt.Fprintf(stderr, "policy: %v\n", err)
		return nil, nil, 1
	}
	return admin, st, 0
}

func runPolicyUpload(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy upload", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "policy id (REQUIRED)")
	file := cmd.String("file", "", "path to the policy body (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *file == "" {
		fmt.Fprintln(stderr, "error: --id and --file are required")
		cmd.Usage()
		return 2
	}

	body, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "read %s: %v\n", *file, err)
		return 2
	}

	ctx := context.Background()
	admin, st, code := openAdmin(ctx, stderr)
	if code != 0 {
		return code
	}
	defer st.Close()

	if err := admin.UploadPolicy(ctx, *id, string(body), true); err != nil {
		fmt.Fprintf(stderr, "upload: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "policy %s uploaded (mirror: %s)\n", *id, admin.MirrorPath(*id))
	return 0
}

func runPolicyList(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy list", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOut := cmd.Bool("json", false, "print records as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	admin, st, code := openAdmin(ctx, stderr)
	if code != 0 {
		return code
	}
	defer st.Close()

	records, err := admin.ListPolicies(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "list: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			fmt.Fprintf(stderr, "encode: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POLICY ID\tACTIVE\tUPDATED")
	for _, rec := range records {
		fmt.Fprintf(tw, "%s\t%t\t%s\n",
			rec.PolicyID, rec.Active, rec.UpdatedAt.Format(time.RFC3339))
	}
	_ = tw.Flush()
	return 0
}

func runPolicyShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy show", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "policy id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "error: --id is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	admin, st, code := openAdmin(ctx, stderr)
	if code != 0 {
		return code
	}
	defer st.Close()

	body, err := admin.GetPolicyContent(ctx, *id)
	if err != nil {
		fmt.Fprintf(stderr, "show: %v\n", err)
		return 1
	}
	fmt.Fprint(stdout, body)
	return 0
}

func runPolicyDelete(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("policy delete", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "policy id (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		fmt.Fprintln(stderr, "error: --id is required")
		cmd.Usage()
		return 2
	}

	ctx := context.Background()
	admin, st, code := openAdmin(ctx, stderr)
	if code != 0 {
		return code
	}
	defer st.Close()

	if err := admin.DeletePolicy(ctx, *id); err != nil {
		fmt.Fprintf(stderr, "delete: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "policy %s deleted\n", *id)
	return 0
}
