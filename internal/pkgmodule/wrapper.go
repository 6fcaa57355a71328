// Package pkgmodule is the package-module protocol engine (spec §4.5): the
// subprocess request/response line protocol, the API-version handshake,
// and the two-table on-disk cache. The subprocess-driving shape follows
// the teacher's test/contract/neoexpress.go (exec.CommandContext +
// piped I/O around an external binary), generalized from a
// CombinedOutput one-shot call to a bidirectional stdin/stdout protocol
// with its own timeout-and-cancellation loop (spec §4.5/§5).
package pkgmodule

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/r3e-cfagent/cfagentd/internal/cferrors"
	"github.com/r3e-cfagent/cfagentd/internal/logging"
	"github.com/r3e-cfagent/cfagentd/internal/metrics"
	"github.com/r3e-cfagent/cfagentd/internal/resilience"
)

// SupportedAPIVersion is the only api_version the engine accepts (spec §3).
const SupportedAPIVersion = 1

// Wrapper is a handle to one package module executable (spec §3
// "PackageModuleWrapper").
type Wrapper struct {
	Path       string
	Name       string
	APIVersion int
	BodyRef    string

	timeout     time.Duration
	tickEvery   time.Duration
	limiter     *resilience.SpawnLimiter
	breaker     *resilience.CircuitBreaker
	spawnRetry  resilience.RetryConfig
	log         *logging.Logger
	met         *metrics.Metrics
}

// Config configures wrapper construction and invocation.
type Config struct {
	WorkDir       string
	ScriptTimeout time.Duration
	TickInterval  time.Duration
	Limiter       *resilience.SpawnLimiter
	Breaker       *resilience.CircuitBreaker
	// SpawnRetry governs retries of a transient subprocess-spawn failure
	// (cferrors.CodeSpawnFailed) — e.g. a momentary "fork: resource
	// temporarily unavailable" under host load. Zero value falls back to
	// resilience.DefaultRetryConfig().
	SpawnRetry resilience.RetryConfig
	Logger     *logging.Logger
	Metrics    *metrics.Metrics
}

// NullModule is the sentinel name skipped when walking the default
// inventory (spec §4.5).
const NullModule = "cf_null"

// New resolves <workdir>/package_modules/<name>, rejects it if missing,
// and performs the supports-api-version handshake (spec §4.5 step 1-2).
func New(ctx context.Context, name, bodyRef string, cfg Config) (*Wrapper, error) {
	path := filepath.Join(cfg.WorkDir, "package_modules", name)
	w := &Wrapper{
		Path:       path,
		Name:       name,
		BodyRef:    bodyRef,
		timeout:    cfg.ScriptTimeout,
		tickEvery:  cfg.TickInterval,
		limiter:    cfg.Limiter,
		breaker:    cfg.Breaker,
		spawnRetry: cfg.SpawnRetry,
		log:        cfg.Logger,
		met:        cfg.Metrics,
	}
	if w.timeout <= 0 {
		w.timeout = 30 * time.Second
	}
	if w.tickEvery <= 0 {
		w.tickEvery = time.Second
	}
	if w.spawnRetry.MaxAttempts <= 0 {
		w.spawnRetry = resilience.DefaultRetryConfig()
	}

	resp, err := w.invoke(ctx, "supports-api-version", nil)
	if err != nil {
		return nil, cferrors.Wrap(cferrors.KindProtocol, cferrors.CodeWrapperExit, fmt.Sprintf("resolve wrapper %q", name), err)
	}
	version, err := strconv.Atoi(strings.TrimSpace(resp.Raw))
	if err != nil || version != SupportedAPIVersion {
		return nil, cferrors.Protocol(cferrors.CodeAPIVersionMismatch,
			fmt.Sprintf("wrapper %q reports api-version %q, want %d", name, strings.TrimSpace(resp.Raw), SupportedAPIVersion), nil)
	}
	w.APIVersion = version
	return w, nil
}

// Request is the set of stdin key=value lines sent to a wrapper command
// (spec §4.5 "Request keys").
type Request struct {
	Options      []string
	File         string
	Name         string
	Version      string
	Architecture string
	Extra        []KV // additional repeated records, for batched repo-install
}

// KV is one additional key=value line, used for batching multiple
// Name/Version/Architecture records into a single repo-install call
// (spec §8 scenario 5).
type KV struct {
	Key   string
	Value string
}

// Response is the parsed, unordered set of stdout lines from a wrapper
// command (spec §4.5 "Response keys").
type Response struct {
	Raw          string
	Records      []PackageRecord
	ErrorLines   []string
	ExitNonZero  bool
}

// PackageRecord is one Name=/Version=/Architecture=/PackageType= group from
// a wrapper response (a new Name= line concludes the previous record,
// spec §4.5 "Cache update").
type PackageRecord struct {
	PackageType  string
	Name         string
	Version      string
	Architecture string
}

// invoke runs command as the wrapper's sole argument, writes req's
// key=value lines to stdin, and reads stdout under the configured
// script-timeout + cancellation loop.
func (w *Wrapper) invoke(ctx context.Context, command string, req *Request) (*Response, error) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	runOnce := func() (*Response, error) {
		var resp *Response
		var err error
		_ = resilience.Retry(ctx, w.spawnRetry, func() error {
			resp, err = w.runSubprocess(ctx, command, req)
			if err != nil && isSpawnFailure(err) {
				return err
			}
			return nil
		})
		return resp, err
	}
	if w.breaker != nil {
		var resp *Response
		err := w.breaker.Execute(func() error {
			var innerErr error
			resp, innerErr = runOnce()
			return innerErr
		})
		return resp, err
	}
	return runOnce()
}

func (w *Wrapper) runSubprocess(ctx context.Context, command string, req *Request) (*Response, error) {
	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, w.Path, command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdin bytes.Buffer
	if req != nil {
		writeRequestLines(&stdin, req)
	}
	cmd.Stdin = &stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := w.waitWithTicker(runCtx, cmd)

	if w.met != nil {
		w.met.WrapperDuration.WithLabelValues(w.Name, command).Observe(time.Since(start).Seconds())
	}

	resp := parseResponse(stdout.String())
	if err != nil {
		resp.ExitNonZero = true
		if w.met != nil {
			w.met.WrapperErrorsTotal.WithLabelValues(w.Name, command).Inc()
		}
		if runCtx.Err() == context.DeadlineExceeded {
			return resp, cferrors.Wrap(cferrors.KindProtocol, cferrors.CodeWrapperTimeout,
				fmt.Sprintf("wrapper %q command %q timed out after %s", w.Name, command, w.timeout), err)
		}
		return resp, cferrors.Wrap(cferrors.KindProtocol, cferrors.CodeWrapperExit,
			fmt.Sprintf("wrapper %q command %q: %s", w.Name, command, stderr.String()), err)
	}
	return resp, nil
}

// waitWithTicker runs cmd to completion, polling every w.tickEvery so a
// cancelled ctx (SIGINT/SIGTERM/SIGHUP observed upstream) is noticed
// promptly rather than only at process exit (spec §5 "Cancellation").
func (w *Wrapper) waitWithTicker(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return cferrors.Wrap(cferrors.KindIO, cferrors.CodeSpawnFailed, fmt.Sprintf("spawn wrapper %q", w.Path), err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	ticker := time.NewTicker(w.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			killProcessGroup(cmd)
			<-done
			return ctx.Err()
		case <-ticker.C:
			// periodic wake-up to observe ctx.Done() promptly; no
			// hidden blocking syscalls happen here (spec §9).
		}
	}
}

// killProcessGroup signals cmd's whole process group rather than just its
// direct child, so a wrapper that forks a sub-helper (e.g. a package
// manager shelling out further) doesn't leave orphans behind on timeout.
// cmd.SysProcAttr.Setpgid makes the child its own group leader, so -pid
// addresses the group (man 2 kill). SIGTERM first, then SIGKILL if the
// group hasn't exited after a short grace period.
func killProcessGroup(cmd *exec.Cmd) {
	pgid := cmd.Process.Pid
	if err := unix.Kill(-pgid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Kill()
		return
	}
	time.AfterFunc(2*time.Second, func() {
		_ = unix.Kill(-pgid, syscall.SIGKILL)
	})
}

func writeRequestLines(buf *bytes.Buffer, req *Request) {
	for _, opt := range req.Options {
		fmt.Fprintf(buf, "options=%s\n", opt)
	}
	if req.File != "" {
		fmt.Fprintf(buf, "File=%s\n", req.File)
	}
	if req.Name != "" {
		fmt.Fprintf(buf, "Name=%s\n", req.Name)
	}
	if req.Version != "" {
		fmt.Fprintf(buf, "Version=%s\n", req.Version)
	}
	if req.Architecture != "" {
		fmt.Fprintf(buf, "Architecture=%s\n", req.Architecture)
	}
	for _, kv := range req.Extra {
		fmt.Fprintf(buf, "%s=%s\n", kv.Key, kv.Value)
	}
}

// parseResponse walks stdout linewise, grouping records on each new Name=
// line (spec §4.5 "Cache update": "A new Name= line concludes the
// previous record"). Version=/Architecture=/PackageType= lines that come
// before a record's Name= line belong to that record.
func parseResponse(raw string) *Response {
	resp := &Response{Raw: raw}
	var cur *PackageRecord

	flush := func() {
		if cur != nil && cur.Name != "" {
			resp.Records = append(resp.Records, *cur)
		}
		cur = nil
	}
	record := func() *PackageRecord {
		if cur == nil {
			cur = &PackageRecord{}
		}
		return cur
	}

	scanner := bufio.NewScanner(strings.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		switch key {
		case "Name":
			if cur != nil && cur.Name != "" {
				flush()
			}
			record().Name = value
		case "Version":
			record().Version = value
		case "Architecture":
			record().Architecture = value
		case "PackageType":
			record().PackageType = value
		case "Error", "ErrorMessage":
			resp.ErrorLines = append(resp.ErrorLines, value)
		}
	}
	flush()
	return resp
}

// isSpawnFailure reports whether err is a transient cmd.Start() failure
// worth retrying, as opposed to a wrapper exit/timeout/protocol error.
func isSpawnFailure(err error) bool {
	var ae *cferrors.AgentError
	if errors.As(err, &ae) {
		return ae.Code == cferrors.CodeSpawnFailed
	}
	return false
}

func splitKV(line string) (key, value string, ok bool) {
	i := strings.IndexByte(line, '=')
	if i < 0 {
		return "", "", false
	}
	return line[:i], line[i+1:], true
}
