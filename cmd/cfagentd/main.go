// Package main is the cfagentd entry point: parse the minimal CLI surface
// (spec §6), load and validate a policy, then walk its agent/routing
// bundles evaluating every "packages" and "routing" promise against the
// package-module engine and the routing actuator, tallying outcomes into
// a final summary. Structured the way the teacher's cmd/gateway wires
// config, logging, and graceful shutdown around a long-lived process,
// generalized here to a single evaluation pass (spec §5 "single primary
// thread per agent process") optionally repeated on a cron schedule.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/r3e-cfagent/cfagentd/internal/actuator/routing"
	"github.com/r3e-cfagent/cfagentd/internal/audit"
	"github.com/r3e-cfagent/cfagentd/internal/config"
	"github.com/r3e-cfagent/cfagentd/internal/evalctx"
	"github.com/r3e-cfagent/cfagentd/internal/kvstore"
	"github.com/r3e-cfagent/cfagentd/internal/lock"
	"github.com/r3e-cfagent/cfagentd/internal/logging"
	"github.com/r3e-cfagent/cfagentd/internal/metrics"
	"github.com/r3e-cfagent/cfagentd/internal/outcome"
	"github.com/r3e-cfagent/cfagentd/internal/pkgmodule"
	"github.com/r3e-cfagent/cfagentd/internal/policy"
	"github.com/r3e-cfagent/cfagentd/internal/policy/fn"
	"github.com/r3e-cfagent/cfagentd/internal/redaction"
	"github.com/r3e-cfagent/cfagentd/internal/resilience"
	"github.com/r3e-cfagent/cfagentd/internal/validator"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	opts, err := config.ParseArgs(os.Args[1:], ".")
	if err != nil {
		log.Fatalf("cfagentd: %v", err)
	}
	if opts.ShowVersion {
		fmt.Println("cfagentd " + version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	logLevel := "error"
	if opts.Verbose {
		logLevel = "debug"
	} else if opts.Inform {
		logLevel = "info"
	}
	logger := logging.New("agent", logLevel, config.GetEnv("CFAGENTD_LOG_FORMAT", "text"))
	met := metrics.New()

	a, err := newAgent(opts, logger, met)
	if err != nil {
		logger.ErrorLog(ctx, "agent setup failed", err, nil)
		os.Exit(1)
	}

	schedule := config.GetEnv("CFAGENTD_SCHEDULE", "")
	if schedule == "" {
		summary, runErr := a.RunOnce(ctx)
		reportSummary(logger, summary)
		if runErr != nil {
			os.Exit(1)
		}
		if ctx.Err() != nil {
			os.Exit(1)
		}
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		summary, runErr := a.RunOnce(ctx)
		reportSummary(logger, summary)
		if runErr != nil {
			logger.ErrorLog(ctx, "scheduled run failed", runErr, nil)
		}
	}); err != nil {
		logger.ErrorLog(ctx, "invalid CFAGENTD_SCHEDULE cron expression", err, nil)
		os.Exit(1)
	}
	if cacheSchedule := config.GetEnv("CFAGENTD_PACKAGE_CACHE_SCHEDULE", ""); cacheSchedule != "" {
		if _, err := c.AddFunc(cacheSchedule, func() { a.refreshPackageCaches(ctx) }); err != nil {
			logger.ErrorLog(ctx, "invalid CFAGENTD_PACKAGE_CACHE_SCHEDULE cron expression", err, nil)
			os.Exit(1)
		}
	}
	c.Start()
	<-ctx.Done()
	c.Stop()
}

func reportSummary(logger *logging.Logger, s outcome.Summary) {
	kept, repaired, notRepaired := s.Percentages()
	fmt.Printf("kept=%.1f%% repaired=%.1f%% not-repaired=%.1f%% (total=%d, release=%s)\n",
		kept, repaired, notRepaired, s.Total(), s.ReleaseID)
}

// agent holds the wired-together components a run needs, plus a lazily
// populated per-module package engine cache.
type agent struct {
	opts    config.RunOptions
	logger  *logging.Logger
	met     *metrics.Metrics
	pol     *policy.Policy
	ectx    *evalctx.Context
	persist *evalctx.PersistentClassStore
	locks   *lock.Store
	ledger  audit.Ledger
	routing *routing.Actuator
	redact  *redaction.Redactor
	fnEval  *fn.Evaluator

	engines map[string]*pkgmodule.Engine
}

func newAgent(opts config.RunOptions, logger *logging.Logger, met *metrics.Metrics) (*agent, error) {
	for _, dir := range []string{opts.InputsDir(), opts.StateDir(), opts.PackageModulesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	raw, err := os.ReadFile(opts.File)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", opts.File, err)
	}
	pol, err := policy.PolicyFromTreeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}

	result := validator.Validate(pol, validator.Options{Runnable: true, RequireComments: requireComments(pol)})
	if !result.Success {
		for _, e := range result.Errors {
			logger.ErrorLog(context.Background(), "policy validation error", e, nil)
		}
		return nil, fmt.Errorf("policy failed validation with %d error(s)", len(result.Errors))
	}

	persistBackend, err := kvstore.OpenFileBackend(filepath.Join(opts.StateDir(), "persistent_classes.json"))
	if err != nil {
		return nil, fmt.Errorf("open persistent class store: %w", err)
	}
	persist := evalctx.NewPersistentClassStore(persistBackend)
	ectx := evalctx.New(persist)
	if err := ectx.RestorePersistentClasses(context.Background(), time.Now()); err != nil {
		logger.ErrorLog(context.Background(), "failed to restore persistent classes, continuing", err, nil)
	}

	negated := make(map[string]bool, len(opts.Negate))
	for _, n := range opts.Negate {
		negated[n] = true
	}
	for _, d := range opts.Define {
		if !negated[d] {
			ectx.PutHardClass(d)
		}
	}

	var locks *lock.Store
	if !opts.NoLock {
		lockBackend, err := kvstore.OpenFileBackend(filepath.Join(opts.StateDir(), "locks.json"))
		if err != nil {
			return nil, fmt.Errorf("open lock store: %w", err)
		}
		locks = lock.NewStore(lockBackend)
	} else {
		locks = lock.NewStore(kvstore.NewMemoryBackend())
	}

	ledger, err := buildLedger(opts, logger)
	if err != nil {
		return nil, err
	}

	return &agent{
		opts:    opts,
		logger:  logger,
		met:     met,
		pol:     pol,
		ectx:    ectx,
		persist: persist,
		locks:   locks,
		ledger:  ledger,
		routing: routing.New(config.GetEnv("CFAGENTD_VTYSH_PATH", ""), logger),
		redact:  redaction.NewRedactor(redaction.DefaultConfig()),
		fnEval:  fn.New(),
		engines: make(map[string]*pkgmodule.Engine),
	}, nil
}

// requireComments reads common.control's require_comments constraint, the
// only place §4.2 says it is consulted.
func requireComments(pol *policy.Policy) bool {
	for _, b := range pol.Bodies {
		if b.Name != "control" {
			continue
		}
		for _, c := range b.Conlist {
			if c.Lval == "require_comments" && c.Rval.IsScalar() && strings.EqualFold(c.Rval.Scalar, "true") {
				return true
			}
		}
	}
	return false
}

func buildLedger(opts config.RunOptions, logger *logging.Logger) (audit.Ledger, error) {
	if dsn := config.GetEnv("CFAGENTD_AUDIT_DSN", ""); dsn != "" {
		pg, err := audit.NewPostgresLedger(dsn)
		if err != nil {
			return nil, fmt.Errorf("connect audit ledger: %w", err)
		}
		return pg, nil
	}
	backend, err := kvstore.OpenFileBackend(filepath.Join(opts.StateDir(), "audit_ledger.json"))
	if err != nil {
		return nil, fmt.Errorf("open audit ledger: %w", err)
	}
	return audit.NewFileLedger(backend, logger), nil
}

// RunOnce evaluates every packages/routing promise across the policy's
// agent and routing bundles once, returning the tallied Summary.
func (a *agent) RunOnce(ctx context.Context) (outcome.Summary, error) {
	summary := outcome.Summary{ReleaseID: a.pol.ReleaseID}

	for _, b := range a.pol.BundlesOfType(policy.BundleAgent) {
		for _, pt := range b.PromiseTypes {
			if pt.Name != "packages" {
				continue
			}
			for _, p := range pt.Promises {
				if ctx.Err() != nil {
					summary.Tally(outcome.NOT_KEPT_INTERRUPT)
					return summary, ctx.Err()
				}
				if !a.promiseApplies(ctx, p) {
					continue
				}
				out := a.evalPackagePromise(ctx, b.Namespace, p)
				summary.Tally(out)
			}
		}
	}

	for _, b := range a.pol.BundlesOfType(policy.BundleRouting) {
		for _, pt := range b.PromiseTypes {
			for _, p := range pt.Promises {
				if ctx.Err() != nil {
					summary.Tally(outcome.NOT_KEPT_INTERRUPT)
					return summary, ctx.Err()
				}
				if !a.promiseApplies(ctx, p) {
					continue
				}
				out, err := a.routing.KeepPromise(ctx, p, a.ectx)
				if err != nil {
					a.logger.ErrorLog(ctx, "routing promise failed", err, nil)
				}
				summary.Tally(out)
			}
		}
	}

	return summary, nil
}

func (a *agent) promiseApplies(ctx context.Context, p *policy.Promise) bool {
	classes := p.Classes
	if classes == "" {
		classes = "any"
	}
	ok, err := a.ectx.IsDefinedClass(classes)
	if err != nil {
		a.logger.ErrorLog(ctx, "class expression evaluation failed, skipping promise", err, nil)
		return false
	}
	if !ok {
		return false
	}

	if guard := ifVarClassConstraint(p); guard != nil {
		guardOK, err := a.evalGuard(guard.Rval)
		if err != nil {
			a.logger.ErrorLog(ctx, "ifvarclass guard evaluation failed, skipping promise", err, nil)
			return false
		}
		if !guardOK {
			return false
		}
	}
	return true
}

// ifVarClassConstraint locates a promise's ifvarclass/if guard constraint,
// the varclasses half of append_promise(promiser, promisee, classes,
// varclasses) — a gate distinct from the promise's own Classes string.
func ifVarClassConstraint(p *policy.Promise) *policy.Constraint {
	for i := range p.Conlist {
		if p.Conlist[i].Lval == "ifvarclass" || p.Conlist[i].Lval == "if" {
			return &p.Conlist[i]
		}
	}
	return nil
}

// evalGuard resolves an ifvarclass/if rval to a boolean: a bare scalar is a
// class expression (the same grammar as the promise's own Classes string),
// while an FnCall such as or(classmatch(...), ...) is dispatched through the
// goja-backed function evaluator, resolving any nested FnCall arguments
// first.
func (a *agent) evalGuard(v policy.Value) (bool, error) {
	switch v.Kind {
	case policy.KindScalar:
		return a.ectx.IsDefinedClass(v.Scalar)
	case policy.KindFnCall:
		args := make([]string, len(v.FnArgs))
		for i, arg := range v.FnArgs {
			s, err := a.fnEval.ResolveValue(arg)
			if err != nil {
				return false, err
			}
			args[i] = s
		}
		return a.fnEval.EvalBool(v.FnName, args)
	default:
		return false, fmt.Errorf("cannot evaluate %s rval as a boolean guard", v.Kind)
	}
}

func (a *agent) evalPackagePromise(ctx context.Context, namespace string, p *policy.Promise) outcome.Outcome {
	moduleName, req := a.packageRequestFromPromise(namespace, p)
	if moduleName == pkgmodule.NullModule {
		return outcome.NOOP
	}
	req.Warn = a.opts.DryRun

	eng, err := a.engineFor(ctx, moduleName)
	if err != nil {
		a.logger.ErrorLog(ctx, "failed to construct package engine", err, nil)
		return outcome.FAIL
	}

	out, err := eng.KeepPromise(ctx, req, time.Now())
	if err != nil {
		a.logger.ErrorLog(ctx, fmt.Sprintf("package promise failed for %s (options: %s)",
			req.Promiser, a.redact.RedactString(strings.Join(req.Options, " "))), err, nil)
	}
	return out
}

// packageRequestFromPromise reads the package_policy/package_version/
// package_architecture/package_method/options constraints off a "packages"
// promise. package_method names a body of type "package_method" whose
// own package_module constraint names the wrapper executable.
func (a *agent) packageRequestFromPromise(namespace string, p *policy.Promise) (string, pkgmodule.PackageRequest) {
	req := pkgmodule.PackageRequest{Promiser: p.Promiser, Policy: "present"}
	moduleName := config.GetEnv("CFAGENTD_DEFAULT_PACKAGE_MODULE", "apt")

	for _, c := range p.Conlist {
		if !c.Rval.IsScalar() && c.Lval != "options" {
			continue
		}
		switch c.Lval {
		case "package_policy":
			if c.Rval.IsScalar() {
				req.Policy = c.Rval.Scalar
			}
		case "package_version":
			if c.Rval.IsScalar() {
				req.Version = c.Rval.Scalar
			}
		case "package_architecture":
			if c.Rval.IsScalar() {
				req.Architecture = c.Rval.Scalar
			}
		case "package_method":
			if c.Rval.IsScalar() {
				ns := namespace
				if body := a.pol.GetBody(&ns, "package_method", c.Rval.Scalar); body != nil {
					for _, bc := range body.Conlist {
						if bc.Lval == "package_module" && bc.Rval.IsScalar() {
							moduleName = bc.Rval.Scalar
						}
					}
				}
			}
		case "options":
			if c.Rval.IsScalar() {
				req.Options = append(req.Options, c.Rval.Scalar)
			}
		}
	}
	return moduleName, req
}

func (a *agent) engineFor(ctx context.Context, name string) (*pkgmodule.Engine, error) {
	if eng, ok := a.engines[name]; ok {
		return eng, nil
	}

	limiter := resilience.NewSpawnLimiter(
		float64(config.GetEnvInt("PACKAGE_PROMISE_SPAWN_RATE_PER_SEC", 4)),
		config.GetEnvInt("PACKAGE_PROMISE_SPAWN_BURST", 4),
	)
	breakerCfg := resilience.WithMetrics(resilience.WithLogger(resilience.DefaultConfig(), a.logger), a.met, name)
	breaker := resilience.New(breakerCfg)

	wrapperCfg := pkgmodule.Config{
		WorkDir:       a.opts.WorkDir,
		ScriptTimeout: time.Duration(config.GetEnvInt("PACKAGE_PROMISE_SCRIPT_TIMEOUT_SEC", 30)) * time.Second,
		TickInterval:  time.Duration(config.GetEnvInt("PACKAGE_PROMISE_TERMINATION_CHECK_SEC", 1)) * time.Second,
		Limiter:       limiter,
		Breaker:       breaker,
		Logger:        a.logger,
		Metrics:       a.met,
	}
	wrapper, err := pkgmodule.New(ctx, name, "", wrapperCfg)
	if err != nil {
		return nil, err
	}

	installedBackend, err := kvstore.OpenFileBackend(filepath.Join(a.opts.StateDir(), "package_cache_"+name+"_installed.json"))
	if err != nil {
		return nil, err
	}
	updatesBackend, err := kvstore.OpenFileBackend(filepath.Join(a.opts.StateDir(), "package_cache_"+name+"_updates.json"))
	if err != nil {
		return nil, err
	}
	cache, err := pkgmodule.NewCache(name, installedBackend, updatesBackend)
	if err != nil {
		return nil, err
	}

	eng := pkgmodule.NewEngine(name, wrapper, cache, a.locks, a.ectx, a.ledger, a.logger)
	a.engines[name] = eng

	if !eng.CacheExists() {
		if err := eng.UpdateCache(ctx, time.Now()); err != nil {
			a.logger.ErrorLog(ctx, "forced cache update on first use failed, continuing with an empty cache", err, nil)
		}
	}
	return eng, nil
}

// refreshPackageCaches re-runs UpdateCache against every package module
// engine seen so far, driven by CFAGENTD_PACKAGE_CACHE_SCHEDULE (spec §4.5
// "Cache update" run on a schedule rather than only on first use).
func (a *agent) refreshPackageCaches(ctx context.Context) {
	now := time.Now()
	for name, eng := range a.engines {
		if err := eng.UpdateCache(ctx, now); err != nil {
			a.logger.ErrorLog(ctx, "scheduled package cache refresh failed", err, logrus.Fields{"module": name})
		}
	}
}
