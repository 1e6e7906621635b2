// Package sandbox runs endpoint scripts, validators and result
// transforms in goja. One VM per execution, nothing shared between
// runs except the compiled-program cache.
package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dop251/goja"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const progCacheSize = 512

// DB is the pinned database connection a script talks to through the
// db and tx globals.
type DB interface {
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error
	InTx() bool
}

// KV backs the cache global. May be nil; the module degrades to
// silent no-ops.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	IncrBy(ctx context.Context, key string, delta int64) (int64, error)
}

// Datasource is the credential-free descriptor exposed as ds.
type Datasource struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Active bool   `json:"active"`
}

type Config struct {
	// ExecTimeout is the wall-clock budget of one script run.
	ExecTimeout time.Duration

	// ExtraModules opts in named host modules (uuid, base64, hash).
	// Unknown names are ignored.
	ExtraModules []string

	// AllowedHosts is the http.* host allow-list. Empty denies all
	// outbound requests.
	AllowedHosts []string

	// AllowedEnv whitelists env keys readable beyond the SCRIPT_ENV_
	// prefix.
	AllowedEnv []string

	// HTTPTimeout bounds each http.* call.
	HTTPTimeout time.Duration
}

type Sandbox struct {
	cfg   Config
	log   *zap.SugaredLogger
	progs *lru.TwoQueueCache[string, *goja.Program]
}

func New(cfg Config, log *zap.SugaredLogger) (*Sandbox, error) {
	if cfg.ExecTimeout <= 0 {
		cfg.ExecTimeout = 10 * time.Second
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = cfg.ExecTimeout
	}
	progs, err := lru.New2Q[string, *goja.Program](progCacheSize)
	if err != nil {
		return nil, err
	}
	return &Sandbox{cfg: cfg, log: log, progs: progs}, nil
}

// CompileError marks a script rejected before execution.
type CompileError struct {
	Err error
}

func (e *CompileError) Error() string { return e.Err.Error() }
func (e *CompileError) Unwrap() error { return e.Err }

// IsCompile reports whether err came from the compile gate.
func IsCompile(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// IsTimeout reports whether err is a VM interrupt (deadline or ctx
// cancellation).
func IsTimeout(err error) bool {
	var ie *goja.InterruptedError
	return errors.As(err, &ie)
}

// No dynamic code, no module loading, no global escape.
var forbiddenRefs = []struct {
	re  *regexp.Regexp
	msg string
}{
	{regexp.MustCompile(`\beval\b`), "eval is not allowed"},
	{regexp.MustCompile(`\bFunction\s*\(`), "Function constructor is not allowed"},
	{regexp.MustCompile(`\brequire\b`), "require is not allowed"},
	{regexp.MustCompile(`\bimport\b`), "import is not allowed"},
	{regexp.MustCompile(`\bglobalThis\b`), "globalThis is not allowed"},
}

// Compile gates and compiles a script, caching the program by content
// hash.
func (s *Sandbox) Compile(src string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(src))
	key := hex.EncodeToString(sum[:])

	if prog, ok := s.progs.Get(key); ok {
		return prog, nil
	}

	for _, f := range forbiddenRefs {
		if f.re.MatchString(src) {
			return nil, &CompileError{Err: errors.New(f.msg)}
		}
	}

	prog, err := goja.Compile("script.js", src, true)
	if err != nil {
		return nil, &CompileError{Err: err}
	}
	s.progs.Add(key, prog)
	return prog, nil
}

// Invocation is one endpoint-script run.
type Invocation struct {
	Script      string
	Params      map[string]any
	Datasources []Datasource
	DB          DB // nil when the endpoint has no datasource
	KV          KV // nil when the shared KV is unavailable
}

// Run executes an endpoint script. After the program runs, an
// `execute(req)` function wins, then the script's final expression,
// then the (possibly mutated) result object. Any open script-managed
// transaction is rolled back on the way out.
func (s *Sandbox) Run(ctx context.Context, inv Invocation) (any, error) {
	prog, err := s.Compile(inv.Script)
	if err != nil {
		return nil, err
	}

	var out any
	err = s.withVM(ctx, func(vm *goja.Runtime) error {
		if err := s.installGlobals(ctx, vm, inv); err != nil {
			return err
		}

		val, err := vm.RunProgram(prog)
		if err != nil {
			return err
		}

		if fn, ok := goja.AssertFunction(vm.Get("execute")); ok {
			v, err := fn(goja.Undefined(), vm.ToValue(inv.Params))
			if err != nil {
				return err
			}
			out = v.Export()
			return nil
		}

		if !goja.IsUndefined(val) && !goja.IsNull(val) {
			out = val.Export()
			return nil
		}

		if rv := vm.Get("result"); rv != nil && !goja.IsUndefined(rv) && !goja.IsNull(rv) {
			out = rv.Export()
		}
		return nil
	})

	if inv.DB != nil && inv.DB.InTx() {
		if rbErr := inv.DB.Rollback(); rbErr != nil {
			s.log.Debugw("rollback of script transaction", "error", rbErr)
		}
	}
	return out, err
}

// RunValidator runs a parameter validator script. The script must
// define `validate(value, params)`; a falsy return or a thrown error
// fails the value.
func (s *Sandbox) RunValidator(ctx context.Context, script string, value any, params map[string]any) (bool, error) {
	prog, err := s.Compile(script)
	if err != nil {
		return false, err
	}

	ok := false
	err = s.withVM(ctx, func(vm *goja.Runtime) error {
		s.installLogging(vm, "validator")
		if _, err := vm.RunProgram(prog); err != nil {
			return err
		}

		fn, found := goja.AssertFunction(vm.Get("validate"))
		if !found {
			return &CompileError{Err: errors.New("validator defines no validate function")}
		}
		v, err := fn(goja.Undefined(), vm.ToValue(value), vm.ToValue(params))
		if err != nil {
			return err
		}
		ok = v.ToBoolean()
		return nil
	})
	return ok, err
}

// RunTransform runs a result-transform script. A `transform(result,
// req)` function wins; otherwise the script's final expression
// replaces the result; otherwise the result passes through unchanged.
func (s *Sandbox) RunTransform(ctx context.Context, script string, result any, params map[string]any) (any, error) {
	prog, err := s.Compile(script)
	if err != nil {
		return nil, err
	}

	out := result
	err = s.withVM(ctx, func(vm *goja.Runtime) error {
		s.installLogging(vm, "transform")
		if err := vm.Set("req", params); err != nil {
			return err
		}

		val, err := vm.RunProgram(prog)
		if err != nil {
			return err
		}

		if fn, ok := goja.AssertFunction(vm.Get("transform")); ok {
			v, err := fn(goja.Undefined(), vm.ToValue(result), vm.ToValue(params))
			if err != nil {
				return err
			}
			out = v.Export()
			return nil
		}

		if !goja.IsUndefined(val) && !goja.IsNull(val) {
			out = val.Export()
		}
		return nil
	})
	return out, err
}

// withVM wires the interrupt handling around one VM run: wall-clock
// deadline plus ctx cancellation.
func (s *Sandbox) withVM(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	vm := goja.New()
	done := make(chan struct{})

	timer := time.AfterFunc(s.cfg.ExecTimeout, func() {
		vm.Interrupt(fmt.Errorf("script execution exceeded %s", s.cfg.ExecTimeout))
	})
	defer timer.Stop()

	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	defer close(done)

	return fn(vm)
}
