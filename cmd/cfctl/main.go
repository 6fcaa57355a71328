// Package main is cfctl, a read-only inspection CLI over the policy
// model, the package-module cache, and the audit ledger — supplementing
// the agent itself the way the original's cf-check utility supplements
// cf-agent (original_source/cf-check/utilities.h), modeled structurally
// on the teacher's cmd/slctl subcommand dispatch.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/r3e-cfagent/cfagentd/internal/audit"
	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
	"github.com/r3e-cfagent/cfagentd/internal/lock"
	"github.com/r3e-cfagent/cfagentd/internal/pkgmodule"
	"github.com/r3e-cfagent/cfagentd/internal/policy"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		printUsage()
		return errors.New("no command specified")
	}

	switch args[0] {
	case "policy":
		return handlePolicy(args[1:])
	case "cache":
		return handleCache(ctx, args[1:])
	case "audit":
		return handleAudit(ctx, args[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printUsage() {
	fmt.Println(`cfctl - inspect cfagentd policy, package cache, and audit ledger

Usage:
  cfctl policy dump --file <path>
  cfctl cache inventory --workdir <dir> --module <name>
  cfctl audit tail --workdir <dir> [--limit N]`)
}

func handlePolicy(args []string) error {
	if len(args) == 0 || args[0] != "dump" {
		return fmt.Errorf("usage: cfctl policy dump --file <path>")
	}
	fs := flag.NewFlagSet("policy dump", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	file := fs.String("file", "", "policy JSON-tree file")
	if err := fs.Parse(args[1:]); err != nil || *file == "" {
		return fmt.Errorf("usage: cfctl policy dump --file <path>")
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read %s: %w", *file, err)
	}
	pol, err := policy.PolicyFromTreeJSON(raw)
	if err != nil {
		return fmt.Errorf("parse policy: %w", err)
	}
	tree, err := pol.ToTreeJSON()
	if err != nil {
		return fmt.Errorf("serialize policy: %w", err)
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, tree, "", "  "); err != nil {
		return fmt.Errorf("pretty-print policy tree: %w", err)
	}
	fmt.Println(pretty.String())
	return nil
}

func handleCache(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "inventory" {
		return fmt.Errorf("usage: cfctl cache inventory --workdir <dir> --module <name>")
	}
	fs := flag.NewFlagSet("cache inventory", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	workdir := fs.String("workdir", ".", "agent working directory")
	module := fs.String("module", "", "package module name")
	if err := fs.Parse(args[1:]); err != nil || *module == "" {
		return fmt.Errorf("usage: cfctl cache inventory --workdir <dir> --module <name>")
	}

	stateDir := filepath.Join(*workdir, "state")
	installed, err := kvstore.OpenFileBackend(filepath.Join(stateDir, "package_cache_"+*module+"_installed.json"))
	if err != nil {
		return fmt.Errorf("open installed cache: %w", err)
	}
	updates, err := kvstore.OpenFileBackend(filepath.Join(stateDir, "package_cache_"+*module+"_updates.json"))
	if err != nil {
		return fmt.Errorf("open updates cache: %w", err)
	}
	cache, err := pkgmodule.NewCache(*module, installed, updates)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	if !installed.Exists() {
		if err := forceCacheUpdate(ctx, *workdir, *module, cache); err != nil {
			return fmt.Errorf("no installed-cache database for module %q under %s, and forcing an update failed: %w", *module, stateDir, err)
		}
	}
	inventory, err := cache.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("read inventory: %w", err)
	}
	fmt.Print(inventory)
	return nil
}

// forceCacheUpdate spawns module's wrapper and rebuilds cache from
// list-installed/list-updates, mirroring the agent's own forced-update
// rule for a missing installed-cache file (spec §8 scenario 7).
func forceCacheUpdate(ctx context.Context, workdir, module string, cache *pkgmodule.Cache) error {
	wrapper, err := pkgmodule.New(ctx, module, "", pkgmodule.Config{WorkDir: workdir})
	if err != nil {
		return fmt.Errorf("resolve wrapper: %w", err)
	}
	lockBackend, err := kvstore.OpenFileBackend(filepath.Join(workdir, "state", "lock_store.json"))
	if err != nil {
		return fmt.Errorf("open lock store: %w", err)
	}
	eng := pkgmodule.NewEngine(module, wrapper, cache, lock.NewStore(lockBackend), nil, nil, nil)
	return eng.UpdateCache(ctx, time.Now())
}

func handleAudit(ctx context.Context, args []string) error {
	if len(args) == 0 || args[0] != "tail" {
		return fmt.Errorf("usage: cfctl audit tail --workdir <dir> [--limit N]")
	}
	fs := flag.NewFlagSet("audit tail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	workdir := fs.String("workdir", ".", "agent working directory")
	limit := fs.Int("limit", 20, "number of most recent records to show")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("usage: cfctl audit tail --workdir <dir> [--limit N]")
	}

	backend, err := kvstore.OpenFileBackend(filepath.Join(*workdir, "state", "audit_ledger.json"))
	if err != nil {
		return fmt.Errorf("open audit ledger: %w", err)
	}
	ledger := audit.NewFileLedger(backend, nil)
	records, err := ledger.Tail(ctx, *limit)
	if err != nil {
		return fmt.Errorf("tail audit ledger: %w", err)
	}
	for _, r := range records {
		fmt.Printf("%s  %-10s  %-30s  version=%-10s  %s\n", r.Date.Format("2006-01-02T15:04:05"), r.Status, r.Filename, r.Version, r.Operator)
	}
	return nil
}
