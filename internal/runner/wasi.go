package runner

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/coregov/runtime/internal/apierrors"
	"github.com/coregov/runtime/internal/contextframe"
	"github.com/coregov/runtime/internal/observability"
)

// ctxEnvPrefix prefixes every ContextFrame field passed into the guest.
const ctxEnvPrefix = "MCP_CTX_"

// WasiConfig bounds every guest execution.
type WasiConfig struct {
	// ModulesDir anchors relative module paths from manifest entries.
	ModulesDir string

	// AllowlistPrefixes are the only host directories pre-opened into the
	// guest, mounted at the same guest path so tool inputs resolve
	// unchanged on both sides of the sandbox boundary.
	AllowlistPrefixes []string

	// MemoryLimitPages caps guest memory in 64KiB pages (default 256 = 16MiB).
	MemoryLimitPages uint32

	// DefaultTimeout applies when the frame carries no cpu_ms budget.
	DefaultTimeout time.Duration

	// StderrLimitBytes truncates captured stderr before it is attached to
	// an error (default 8KiB).
	StderrLimitBytes int
}

type compiledEntry struct {
	module wazero.CompiledModule
	hash   string
}

// WasiRunner executes compiled WASI modules under wazero. It is stateless
// between invocations: each run gets a fresh module instance, fresh stdio,
// and only the pre-opened allow-list directories. The compilation cache is
// the sole cross-invocation state, keyed by module content hash.
type WasiRunner struct {
	cfg      WasiConfig
	runtime  wazero.Runtime
	redactor *observability.PathRedactor

	cacheMu sync.Mutex
	cache   map[string]compiledEntry // content hash -> compiled
	byPath  map[string]string        // canonical module path -> content hash
}

// NewWasiRunner builds the shared wazero runtime. The runtime is configured
// to close guest modules when their context is done, which is how both
// timeout and caller cancellation terminate a run.
func NewWasiRunner(ctx context.Context, cfg WasiConfig) (*WasiRunner, error) {
	if cfg.MemoryLimitPages == 0 {
		cfg.MemoryLimitPages = 256
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.StderrLimitBytes <= 0 {
		cfg.StderrLimitBytes = 8 * 1024
	}

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().
		WithMemoryLimitPages(cfg.MemoryLimitPages).
		WithCloseOnContextDone(true))
	wasi_snapshot_preview1.MustInstantiate(ctx, rt)

	return &WasiRunner{
		cfg:      cfg,
		runtime:  rt,
		redactor: observability.NewPathRedactor(cfg.AllowlistPrefixes),
		cache:    map[string]compiledEntry{},
		byPath:   map[string]string{},
	}, nil
}

// Close releases the runtime and every cached module.
func (r *WasiRunner) Close(ctx context.Context) error {
	return r.runtime.Close(ctx)
}

// Run executes one WASI module invocation per the stdio contract: the
// ContextFrame rides in MCP_CTX_-prefixed environment variables, the tool
// input is one JSON document on stdin, and the module must write one JSON
// document on stdout.
func (r *WasiRunner) Run(ctx context.Context, inv Invocation) (json.RawMessage, error) {
	compiled, err := r.compile(ctx, inv.EntryPath)
	if err != nil {
		return nil, err
	}

	timeout := r.cfg.DefaultTimeout
	if b := inv.Frame.Budgets; b != nil && b.CPUMillis > 0 {
		timeout = time.Duration(b.CPUMillis) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fsCfg := wazero.NewFSConfig()
	for _, prefix := range r.cfg.AllowlistPrefixes {
		fsCfg = fsCfg.WithDirMount(prefix, prefix)
	}

	var stdout bytes.Buffer
	stderr := newCappedBuffer(r.cfg.StderrLimitBytes)

	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, so concurrent instances of one module never collide
		WithStdin(bytes.NewReader(inv.Input)).
		WithStdout(&stdout).
		WithStderr(stderr).
		WithFSConfig(fsCfg).
		WithArgs(inv.Tool)
	for k, v := range frameEnv(inv.Frame, inv.Tier) {
		modCfg = modCfg.WithEnv(k, v)
	}

	mod, err := r.runtime.InstantiateModule(runCtx, compiled.module, modCfg)
	if mod != nil {
		defer mod.Close(context.WithoutCancel(runCtx))
	}
	if err != nil {
		// A clean proc_exit(0) surfaces as an ExitError; classify maps it
		// to nil so the stdout contract check below still runs.
		if cerr := r.classify(runCtx, err, stderr); cerr != nil {
			return nil, cerr
		}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 || !json.Valid(out) {
		return nil, apierrors.New(apierrors.KindProtocolError,
			"tool %q wrote a non-JSON document on stdout: %s", inv.Tool, r.redactor.Redact(stderr.String()))
	}
	return json.RawMessage(out), nil
}

// classify maps a wazero instantiation failure onto the error taxonomy.
func (r *WasiRunner) classify(ctx context.Context, err error, stderr *cappedBuffer) error {
	attached := r.redactor.Redact(stderr.String())

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		switch exitErr.ExitCode() {
		case 0:
			// proc_exit(0) before writing output still means no document;
			// the caller classifies the empty stdout.
			return nil
		case sys.ExitCodeDeadlineExceeded:
			return apierrors.New(apierrors.KindExecutionTimeout, "module terminated at the wall-clock limit: %s", attached)
		case sys.ExitCodeContextCanceled:
			return apierrors.New(apierrors.KindCancelled, "module terminated by caller cancellation")
		default:
			return apierrors.New(apierrors.KindProtocolError, "module exited with code %d: %s", exitErr.ExitCode(), attached)
		}
	}
	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return apierrors.New(apierrors.KindExecutionTimeout, "module terminated at the wall-clock limit: %s", attached)
		}
		return apierrors.New(apierrors.KindCancelled, "module terminated by caller cancellation")
	}
	if strings.Contains(err.Error(), "memory") {
		return apierrors.Wrap(apierrors.KindResourceExceeded, err, "guest exceeded its memory cap: %s", attached)
	}
	return apierrors.Wrap(apierrors.KindInternalError, err, "module trap: %s", attached)
}

// compile returns the cached compilation for the module at path, compiling
// and caching on first sight. The cache key is the module's content hash,
// so replacing the file on disk naturally compiles the new bytes.
func (r *WasiRunner) compile(ctx context.Context, path string) (compiledEntry, error) {
	resolved := path
	if !filepath.IsAbs(resolved) && r.cfg.ModulesDir != "" {
		resolved = filepath.Join(r.cfg.ModulesDir, resolved)
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return compiledEntry{}, apierrors.Wrap(apierrors.KindRunnerUnavailable, err, "reading module %s", path)
	}
	hash := contentHash(raw)

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if entry, ok := r.cache[hash]; ok {
		r.byPath[resolved] = hash
		return entry, nil
	}
	module, err := r.runtime.CompileModule(ctx, raw)
	if err != nil {
		return compiledEntry{}, apierrors.Wrap(apierrors.KindInvalidManifest, err, "compiling module %s", path)
	}
	entry := compiledEntry{module: module, hash: hash}
	r.cache[hash] = entry
	r.byPath[resolved] = hash
	return entry, nil
}

// Invalidate drops the cached compilation for the module at path. Called on
// manifest disable and on explicit cache invalidation; a no-op when the
// module was never compiled.
func (r *WasiRunner) Invalidate(ctx context.Context, path string) {
	resolved := path
	if !filepath.IsAbs(resolved) && r.cfg.ModulesDir != "" {
		resolved = filepath.Join(r.cfg.ModulesDir, resolved)
	}
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	hash, ok := r.byPath[resolved]
	if !ok {
		return
	}
	delete(r.byPath, resolved)
	if entry, ok := r.cache[hash]; ok {
		delete(r.cache, hash)
		_ = entry.module.Close(ctx)
	}
}

// CachedModules reports the number of live cache entries.
func (r *WasiRunner) CachedModules() int {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	return len(r.cache)
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// frameEnv flattens a ContextFrame into the guest environment, one variable
// per field.
func frameEnv(f contextframe.Frame, tier int) map[string]string {
	env := map[string]string{
		ctxEnvPrefix + "REASON_TRACE_ID": f.ReasonTraceID,
		ctxEnvPrefix + "TENANT_ID":       f.TenantID,
		ctxEnvPrefix + "STAGE":           string(f.Stage),
		ctxEnvPrefix + "RISK_LEVEL":      strconv.Itoa(int(f.RiskLevel)),
		ctxEnvPrefix + "TS":              f.Timestamp.UTC().Format(time.RFC3339),
		ctxEnvPrefix + "TIER":            strconv.Itoa(tier),
	}
	if f.NoveltyScore != nil {
		env[ctxEnvPrefix+"NOVELTY_SCORE"] = formatFloat(*f.NoveltyScore)
	}
	if f.ContextConfidence != nil {
		env[ctxEnvPrefix+"CONTEXT_CONFIDENCE"] = formatFloat(*f.ContextConfidence)
	}
	if f.Flags.ReadOnly {
		env[ctxEnvPrefix+"READ_ONLY"] = "1"
	}
	if f.Flags.AllowAutotune {
		env[ctxEnvPrefix+"ALLOW_AUTOTUNE"] = "1"
	}
	if b := f.Budgets; b != nil {
		if b.CPUMillis > 0 {
			env[ctxEnvPrefix+"BUDGET_CPU_MS"] = strconv.FormatInt(b.CPUMillis, 10)
		}
		if b.MemMB > 0 {
			env[ctxEnvPrefix+"BUDGET_MEM_MB"] = strconv.FormatInt(b.MemMB, 10)
		}
		if b.RPS > 0 {
			env[ctxEnvPrefix+"BUDGET_RPS"] = strconv.FormatInt(b.RPS, 10)
		}
	}
	return env
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so a
// chatty guest cannot balloon error payloads.
type cappedBuffer struct {
	limit int
	buf   bytes.Buffer
}

func newCappedBuffer(limit int) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	remaining := c.limit - c.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			c.buf.Write(p[:remaining])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
