package pkgmodule

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-cfagent/cfagentd/internal/audit"
	"github.com/r3e-cfagent/cfagentd/internal/evalctx"
	"github.com/r3e-cfagent/cfagentd/internal/logging"
	"github.com/r3e-cfagent/cfagentd/internal/lock"
	"github.com/r3e-cfagent/cfagentd/internal/outcome"
)

// PackageRequest is the resolved set of `package_*` constraints for one
// promise (spec §4.5 "Per-promise convergence"). Promiser doubles as the
// package name for REPO dispatch and the file path for FILE dispatch.
type PackageRequest struct {
	Promiser     string
	Policy       string // "present" (default) or "absent"
	Version      string // "" or "latest" is the wildcard
	Architecture string
	Options      []string
	Warn         bool // dry-run / warn-only mode
}

// invoker is the subset of *Wrapper the convergence engine depends on,
// narrowed so tests can substitute a fake subprocess-free implementation.
type invoker interface {
	invoke(ctx context.Context, command string, req *Request) (*Response, error)
}

// Engine drives per-promise convergence for one package module: cache
// lookups, wrapper dispatch, cache re-verification, class activation and
// audit logging (spec §4.5).
type Engine struct {
	Module string

	wrapper invoker
	cache   *Cache
	locks   *lock.Store
	ectx    *evalctx.Context
	ledger  audit.Ledger
	log     *logging.Logger

	lockWaitTimeout time.Duration
	timerTTL        time.Duration
	timerPolicy     evalctx.PersistentPolicy
}

// NewEngine assembles a convergence Engine for one module.
func NewEngine(module string, w *Wrapper, c *Cache, locks *lock.Store, ectx *evalctx.Context, ledger audit.Ledger, log *logging.Logger) *Engine {
	return newEngine(module, w, c, locks, ectx, ledger, log)
}

func newEngine(module string, w invoker, c *Cache, locks *lock.Store, ectx *evalctx.Context, ledger audit.Ledger, log *logging.Logger) *Engine {
	return &Engine{
		Module:          module,
		wrapper:         w,
		cache:           c,
		locks:           locks,
		ectx:            ectx,
		ledger:          ledger,
		log:             log,
		lockWaitTimeout: 30 * time.Second,
		timerTTL:        time.Hour,
		timerPolicy:     evalctx.PolicyReset,
	}
}

// KeepPromise is the Actuator-shaped entry point (spec §4.6): acquire the
// global package lock, dispatch by policy, record the outcome's class
// activations and audit entry, yield the lock.
func (e *Engine) KeepPromise(ctx context.Context, req PackageRequest, now time.Time) (outcome.Outcome, error) {
	lk, err := e.locks.Acquire(ctx, lock.GlobalPackageLock, e.Module, now, lock.Options{
		Wait: true, WaitTimeout: e.lockWaitTimeout, WaitInterval: 200 * time.Millisecond,
	})
	if err != nil {
		if e.log != nil {
			e.log.ErrorLog(ctx, "failed to acquire global package lock", err, logrus.Fields{"module": e.Module})
		}
		return outcome.FAIL, err
	}
	defer func() { _ = lk.Yield(ctx) }()
	ctx = logging.WithLockName(ctx, lk.Name)

	var out outcome.Outcome
	if strings.EqualFold(req.Policy, "absent") {
		out = e.absent(ctx, req)
	} else {
		out = e.present(ctx, req)
	}

	e.recordOutcome(ctx, req, out, now, lk.Name)
	return out, nil
}

func (e *Engine) recordOutcome(ctx context.Context, req PackageRequest, out outcome.Outcome, now time.Time, lockName string) {
	if suffix := out.ClassSuffix(); suffix != "" && e.ectx != nil {
		if err := e.ectx.ActivateOutcomeClasses(ctx, suffix, now, e.timerTTL, e.timerPolicy); err != nil && e.log != nil {
			e.log.ErrorLog(ctx, "failed to activate outcome classes", err, logrus.Fields{"outcome": out.String()})
		}
	}
	if e.ledger == nil {
		return
	}
	key := audit.NewKey(now, lockName)
	rec := audit.Record{
		Operator: e.Module,
		Filename: req.Promiser,
		Version:  req.Version,
		Date:     now,
		Status:   out.String(),
	}
	if err := e.ledger.Append(ctx, key, rec); err != nil && e.log != nil {
		e.log.ErrorLog(ctx, "audit ledger append failed, continuing", err, logrus.Fields{"key": key.String()})
	}
}

// present implements the Present action (spec §4.5 steps 1-5).
func (e *Engine) present(ctx context.Context, req PackageRequest) outcome.Outcome {
	info, err := e.getPackageData(ctx, req.Promiser)
	if err != nil {
		e.logError(ctx, "get-package-data failed", err)
		return outcome.FAIL
	}
	if info.Name == "" || info.Type == "" {
		e.logError(ctx, "get-package-data returned incomplete PackageInfo", nil)
		return outcome.FAIL
	}

	isFile := strings.EqualFold(info.Type, "file")
	if isFile {
		if req.Version == "latest" {
			e.logError(ctx, "policy version \"latest\" is not valid for FILE packages", nil)
			return outcome.FAIL
		}
		if (req.Version != "" && req.Version != info.Version) || (req.Architecture != "" && req.Architecture != info.Architecture) {
			e.logError(ctx, "file package version/architecture mismatch with policy", nil)
			return outcome.FAIL
		}
	}

	version := req.Version
	if version == "" {
		version = info.Version
	}
	arch := req.Architecture
	if arch == "" {
		arch = info.Architecture
	}

	cached, err := e.cache.IsInstalled(ctx, info.Name, version, arch)
	if err != nil {
		e.logError(ctx, "cache lookup failed", err)
		return outcome.FAIL
	}

	if isFile {
		return e.presentFile(ctx, req, info, version, arch, cached)
	}
	return e.presentRepo(ctx, req, info, version, arch, cached)
}

func (e *Engine) presentFile(ctx context.Context, req PackageRequest, info PackageInfo, version, arch string, cached bool) outcome.Outcome {
	if cached {
		return outcome.NOOP
	}
	if req.Warn {
		return outcome.NOT_KEPT_WARN
	}
	resp, err := e.wrapper.invoke(ctx, "file-install", &Request{File: req.Promiser, Options: req.Options})
	if err != nil || resp.ExitNonZero {
		e.logWrapperErrors(ctx, resp)
		e.logError(ctx, "file-install failed", err)
		return outcome.FAIL
	}
	e.logWrapperErrors(ctx, resp)
	return e.verifyInstalled(ctx, info.Name, version, arch)
}

// presentRepo handles the REPO dispatch branch of Present. A pinned
// version that is not yet cached installs directly; a "latest" policy
// version always goes through the updates cache so a package already
// installed at an older version in one architecture is still offered
// newer per-architecture builds (spec §4.5 step 4; §8 scenario 5).
func (e *Engine) presentRepo(ctx context.Context, req PackageRequest, info PackageInfo, version, arch string, cached bool) outcome.Outcome {
	if version != "latest" {
		if cached {
			return outcome.NOOP
		}
		if req.Warn {
			return outcome.NOT_KEPT_WARN
		}
		repoReq := &Request{Name: info.Name, Architecture: arch, Version: version, Options: req.Options}
		resp, err := e.wrapper.invoke(ctx, "repo-install", repoReq)
		if err != nil || resp.ExitNonZero {
			e.logWrapperErrors(ctx, resp)
			e.logError(ctx, "repo-install failed", err)
			return outcome.FAIL
		}
		e.logWrapperErrors(ctx, resp)
		return e.verifyInstalled(ctx, info.Name, version, arch)
	}

	updates, err := e.cache.Updates(ctx, info.Name)
	if err != nil {
		e.logError(ctx, "updates cache lookup failed", err)
		return outcome.FAIL
	}
	if len(updates) == 0 {
		return outcome.NOOP
	}

	var pending []PackageRecord
	for _, u := range updates {
		already, err := e.cache.IsInstalled(ctx, u.Name, u.Version, u.Architecture)
		if err != nil {
			e.logError(ctx, "cache lookup failed during update scan", err)
			return outcome.FAIL
		}
		if !already {
			pending = append(pending, u)
		}
	}
	if len(pending) == 0 {
		return outcome.NOOP
	}
	if req.Warn {
		return outcome.NOT_KEPT_WARN
	}

	resp, err := e.wrapper.invoke(ctx, "repo-install", &Request{Extra: flattenRecords(pending), Options: req.Options})
	if err != nil || resp.ExitNonZero {
		e.logWrapperErrors(ctx, resp)
		e.logError(ctx, "batched repo-install failed", err)
		return outcome.FAIL
	}
	e.logWrapperErrors(ctx, resp)

	allVerified := true
	for _, u := range pending {
		if e.verifyInstalled(ctx, u.Name, u.Version, u.Architecture) != outcome.REPAIRED {
			allVerified = false
		}
	}
	if allVerified {
		return outcome.REPAIRED
	}
	return outcome.FAIL
}

// verifyInstalled updates the installed cache for (name, version, arch) and
// confirms the probe now reports present, turning a wrapper-reported
// success into a final REPAIRED/FAIL outcome (spec §4.5 step 4).
func (e *Engine) verifyInstalled(ctx context.Context, name, version, arch string) outcome.Outcome {
	if err := e.cache.MarkInstalled(ctx, name, version, arch); err != nil {
		e.logError(ctx, "cache update after install failed", err)
		return outcome.FAIL
	}
	ok, err := e.cache.IsInstalled(ctx, name, version, arch)
	if err != nil {
		e.logError(ctx, "post-install cache verification failed", err)
		return outcome.FAIL
	}
	if !ok {
		return outcome.FAIL
	}
	return outcome.REPAIRED
}

// absent implements the Absent action (spec §4.5 "Absent action").
func (e *Engine) absent(ctx context.Context, req PackageRequest) outcome.Outcome {
	if req.Version == "latest" {
		e.logError(ctx, "policy version \"latest\" is not valid for removal", nil)
		return outcome.FAIL
	}

	cached, err := e.cache.IsInstalled(ctx, req.Promiser, req.Version, req.Architecture)
	if err != nil {
		e.logError(ctx, "cache lookup failed", err)
		return outcome.FAIL
	}
	if !cached {
		return outcome.NOOP
	}
	if req.Warn {
		return outcome.NOT_KEPT_WARN
	}

	resp, err := e.wrapper.invoke(ctx, "remove", &Request{Name: req.Promiser, Version: req.Version, Architecture: req.Architecture})
	if err != nil || resp.ExitNonZero {
		e.logWrapperErrors(ctx, resp)
		e.logError(ctx, "remove failed", err)
		return outcome.FAIL
	}
	e.logWrapperErrors(ctx, resp)

	if err := e.cache.MarkRemoved(ctx, req.Promiser, req.Version, req.Architecture); err != nil {
		e.logError(ctx, "cache update after remove failed", err)
		return outcome.FAIL
	}
	stillPresent, err := e.cache.IsInstalled(ctx, req.Promiser, req.Version, req.Architecture)
	if err != nil {
		e.logError(ctx, "post-remove cache verification failed", err)
		return outcome.FAIL
	}
	if stillPresent {
		return outcome.FAIL
	}
	return outcome.CHANGE
}

// CacheExists reports whether the module's installed-cache file is present
// on disk, used by the forced-update-when-missing rule (spec §8 scenario 7).
func (e *Engine) CacheExists() bool { return e.cache.Exists() }

// UpdateCache issues list-installed and list-updates to the wrapper and
// rebuilds both cache tables from the responses, under the same global
// package lock per-promise convergence uses (spec §4.5 "Cache update").
// Called whenever the installed cache file is missing (spec §8 scenario 7)
// and on a schedule.
func (e *Engine) UpdateCache(ctx context.Context, now time.Time) error {
	lk, err := e.locks.Acquire(ctx, lock.GlobalPackageLock, e.Module, now, lock.Options{
		Wait: true, WaitTimeout: e.lockWaitTimeout, WaitInterval: 200 * time.Millisecond,
	})
	if err != nil {
		if e.log != nil {
			e.log.ErrorLog(ctx, "failed to acquire global package lock for cache update", err, logrus.Fields{"module": e.Module})
		}
		return err
	}
	defer func() { _ = lk.Yield(ctx) }()
	ctx = logging.WithLockName(ctx, lk.Name)

	installedResp, err := e.wrapper.invoke(ctx, "list-installed", nil)
	if err != nil {
		e.logError(ctx, "list-installed failed", err)
		return err
	}
	e.logWrapperErrors(ctx, installedResp)
	if err := e.cache.RebuildInstalled(ctx, installedResp.Records); err != nil {
		e.logError(ctx, "rebuild installed cache failed", err)
		return err
	}

	updatesResp, err := e.wrapper.invoke(ctx, "list-updates", nil)
	if err != nil {
		e.logError(ctx, "list-updates failed", err)
		return err
	}
	e.logWrapperErrors(ctx, updatesResp)
	if err := e.cache.RebuildUpdates(ctx, updatesResp.Records); err != nil {
		e.logError(ctx, "rebuild updates cache failed", err)
		return err
	}
	return nil
}

// PackageInfo is the parsed response to get-package-data (spec §3/§8: name
// non-empty, type in {FILE, REPO}).
type PackageInfo struct {
	Name         string
	Version      string
	Architecture string
	Type         string
}

func (e *Engine) getPackageData(ctx context.Context, promiser string) (PackageInfo, error) {
	resp, err := e.wrapper.invoke(ctx, "get-package-data", &Request{Name: promiser})
	if err != nil {
		return PackageInfo{}, err
	}
	if len(resp.Records) == 0 {
		return PackageInfo{}, nil
	}
	r := resp.Records[0]
	return PackageInfo{Name: r.Name, Version: r.Version, Architecture: r.Architecture, Type: r.PackageType}, nil
}

// flattenRecords renders a batch of records as repeated Name=/Version=/
// Architecture= line groups for a single multi-record repo-install
// request (spec §4.5 step 4 "batch the remainder into one multi-record
// repo-install request"; §8 scenario 5).
func flattenRecords(records []PackageRecord) []KV {
	var out []KV
	for _, r := range records {
		out = append(out, KV{Key: "Name", Value: r.Name})
		if r.Version != "" {
			out = append(out, KV{Key: "Version", Value: r.Version})
		}
		if r.Architecture != "" {
			out = append(out, KV{Key: "Architecture", Value: r.Architecture})
		}
	}
	return out
}

func (e *Engine) logError(ctx context.Context, msg string, err error) {
	if e.log != nil {
		e.log.ErrorLog(ctx, msg, err, logrus.Fields{"module": e.Module})
	}
}

// logWrapperErrors surfaces Error=/ErrorMessage= response lines, which are
// logged but do not by themselves force FAIL (spec §4.5 "Error lines").
func (e *Engine) logWrapperErrors(ctx context.Context, resp *Response) {
	if resp == nil || e.log == nil {
		return
	}
	for _, line := range resp.ErrorLines {
		e.log.Inform(ctx, "wrapper reported an error line", logrus.Fields{"module": e.Module, "error": line})
	}
}
