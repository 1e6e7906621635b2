package sandbox

import (
	"context"
	"crypto/md5"  //nolint:gosec
	"crypto/sha1" //nolint:gosec
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/spf13/cast"
)

const (
	cacheKeyPrefix  = "script:"
	cacheDefaultTTL = 5 * time.Minute
	envPrefix       = "SCRIPT_ENV_"
)

// resultPrelude seeds the mutable result object scripts may edit in
// place.
const resultPrelude = `var result = { success: true, message: null, data: [] };`

func (s *Sandbox) installGlobals(ctx context.Context, vm *goja.Runtime, inv Invocation) error {
	if err := vm.Set("req", inv.Params); err != nil {
		return err
	}
	if err := vm.Set("ds", inv.Datasources); err != nil {
		return err
	}
	if _, err := vm.RunString(resultPrelude); err != nil {
		return err
	}

	s.installLogging(vm, "script")

	if err := s.installDB(ctx, vm, inv.DB); err != nil {
		return err
	}
	if err := s.installHTTP(vm); err != nil {
		return err
	}
	if err := s.installCache(ctx, vm, inv.KV); err != nil {
		return err
	}
	if err := s.installEnv(vm); err != nil {
		return err
	}
	return s.installExtras(vm)
}

func (s *Sandbox) installLogging(vm *goja.Runtime, origin string) {
	log := vm.NewObject()
	emit := func(fn func(msg string, kv ...any)) func(args ...any) {
		return func(args ...any) {
			fn("script log", "origin", origin, "args", args)
		}
	}
	log.Set("debug", emit(s.log.Debugw)) //nolint:errcheck
	log.Set("info", emit(s.log.Infow))   //nolint:errcheck
	log.Set("warn", emit(s.log.Warnw))   //nolint:errcheck
	log.Set("error", emit(s.log.Errorw)) //nolint:errcheck
	vm.Set("log", log)                   //nolint:errcheck

	console := vm.NewObject()
	console.Set("log", emit(s.log.Debugw)) //nolint:errcheck
	vm.Set("console", console)             //nolint:errcheck
}

// installDB exposes db.query/query_one/execute plus the insert,
// update and delete aliases, and tx.begin/commit/rollback. Every call
// runs on the one pinned connection for the whole script.
func (s *Sandbox) installDB(ctx context.Context, vm *goja.Runtime, dbc DB) error {
	db := vm.NewObject()
	tx := vm.NewObject()

	need := func() DB {
		if dbc == nil {
			panic(vm.ToValue("endpoint has no datasource; db is unavailable"))
		}
		return dbc
	}

	queryArgs := func(call goja.FunctionCall) (string, []any) {
		if len(call.Arguments) == 0 {
			panic(vm.ToValue("query text is required"))
		}
		q := call.Argument(0).String()

		var args []any
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) && !goja.IsNull(call.Argument(1)) {
			exported := call.Argument(1).Export()
			if list, ok := exported.([]any); ok {
				args = list
			} else {
				args = []any{exported}
			}
		}
		return q, args
	}

	db.Set("query", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		q, args := queryArgs(call)
		rows, err := need().Query(ctx, q, args...)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(rows)
	})
	db.Set("query_one", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		q, args := queryArgs(call)
		rows, err := need().Query(ctx, q, args...)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		if len(rows) == 0 {
			return goja.Null()
		}
		return vm.ToValue(rows[0])
	})

	exec := func(call goja.FunctionCall) goja.Value {
		q, args := queryArgs(call)
		n, err := need().Exec(ctx, q, args...)
		if err != nil {
			panic(vm.ToValue(err.Error()))
		}
		return vm.ToValue(n)
	}
	db.Set("execute", exec) //nolint:errcheck
	db.Set("insert", exec)  //nolint:errcheck
	db.Set("update", exec)  //nolint:errcheck
	db.Set("delete", exec)  //nolint:errcheck

	tx.Set("begin", func() { //nolint:errcheck
		if err := need().Begin(ctx); err != nil {
			panic(vm.ToValue(err.Error()))
		}
	})
	tx.Set("commit", func() { //nolint:errcheck
		if err := need().Commit(); err != nil {
			panic(vm.ToValue(err.Error()))
		}
	})
	tx.Set("rollback", func() { //nolint:errcheck
		if err := need().Rollback(); err != nil {
			panic(vm.ToValue(err.Error()))
		}
	})

	if err := vm.Set("db", db); err != nil {
		return err
	}
	return vm.Set("tx", tx)
}

// installHTTP exposes http.get/post/put/delete through resty, gated
// by the host allow-list. Empty list denies everything.
func (s *Sandbox) installHTTP(vm *goja.Runtime) error {
	client := resty.New().SetTimeout(s.cfg.HTTPTimeout)

	do := func(method string) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if len(call.Arguments) == 0 {
				panic(vm.ToValue("url is required"))
			}
			rawURL := call.Argument(0).String()
			if err := s.checkHost(rawURL); err != nil {
				panic(vm.ToValue(err.Error()))
			}

			r := client.R()
			if len(call.Arguments) > 1 && !goja.IsUndefined(call.Argument(1)) && !goja.IsNull(call.Argument(1)) {
				opts, _ := call.Argument(1).Export().(map[string]any)
				if hs, ok := opts["headers"].(map[string]any); ok {
					for k, v := range hs {
						r.SetHeader(k, cast.ToString(v))
					}
				}
				if body, ok := opts["body"]; ok {
					r.SetBody(body)
				}
			}

			resp, err := r.Execute(strings.ToUpper(method), rawURL)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}

			body := string(resp.Body())
			out := map[string]any{
				"status": resp.StatusCode(),
				"body":   body,
				"json":   nil,
			}
			var decoded any
			if err := json.Unmarshal(resp.Body(), &decoded); err == nil {
				out["json"] = decoded
			}
			return vm.ToValue(out)
		}
	}

	httpObj := vm.NewObject()
	httpObj.Set("get", do("GET"))       //nolint:errcheck
	httpObj.Set("post", do("POST"))     //nolint:errcheck
	httpObj.Set("put", do("PUT"))       //nolint:errcheck
	httpObj.Set("delete", do("DELETE")) //nolint:errcheck
	return vm.Set("http", httpObj)
}

func (s *Sandbox) checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	host := u.Hostname()
	for _, allowed := range s.cfg.AllowedHosts {
		if strings.EqualFold(host, strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return fmt.Errorf("host %q is not in the allowed list", host)
}

// installCache exposes the shared KV under the script: namespace.
// With no KV every operation is a silent no-op.
func (s *Sandbox) installCache(ctx context.Context, vm *goja.Runtime, kv KV) error {
	c := vm.NewObject()
	key := func(call goja.FunctionCall) string {
		return cacheKeyPrefix + call.Argument(0).String()
	}

	c.Set("get", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if kv == nil {
			return goja.Null()
		}
		v, ok, err := kv.Get(ctx, key(call))
		if err != nil || !ok {
			return goja.Null()
		}
		return vm.ToValue(v)
	})
	c.Set("set", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if kv == nil {
			return goja.Undefined()
		}
		ttl := cacheDefaultTTL
		if len(call.Arguments) > 2 {
			if secs := cast.ToInt64(call.Argument(2).Export()); secs > 0 {
				ttl = time.Duration(secs) * time.Second
			}
		}
		kv.Set(ctx, key(call), call.Argument(1).String(), ttl) //nolint:errcheck
		return goja.Undefined()
	})
	c.Set("delete", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if kv != nil {
			kv.Delete(ctx, key(call)) //nolint:errcheck
		}
		return goja.Undefined()
	})
	c.Set("exists", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if kv == nil {
			return vm.ToValue(false)
		}
		ok, err := kv.Exists(ctx, key(call))
		if err != nil {
			return vm.ToValue(false)
		}
		return vm.ToValue(ok)
	})
	incr := func(delta int64) func(call goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if kv == nil {
				return vm.ToValue(0)
			}
			n, err := kv.IncrBy(ctx, key(call), delta)
			if err != nil {
				return vm.ToValue(0)
			}
			return vm.ToValue(n)
		}
	}
	c.Set("incr", incr(1))  //nolint:errcheck
	c.Set("decr", incr(-1)) //nolint:errcheck

	return vm.Set("cache", c)
}

// installEnv exposes whitelisted environment variables only: keys
// with the SCRIPT_ENV_ prefix plus the explicit allow set.
func (s *Sandbox) installEnv(vm *goja.Runtime) error {
	allowed := func(name string) bool {
		if strings.HasPrefix(name, envPrefix) {
			return true
		}
		for _, a := range s.cfg.AllowedEnv {
			if name == strings.TrimSpace(a) {
				return true
			}
		}
		return false
	}

	read := func(call goja.FunctionCall) (string, bool) {
		name := call.Argument(0).String()
		if !allowed(name) {
			return "", false
		}
		v, ok := os.LookupEnv(name)
		return v, ok
	}

	env := vm.NewObject()
	env.Set("get", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if v, ok := read(call); ok {
			return vm.ToValue(v)
		}
		return goja.Null()
	})
	env.Set("get_int", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if v, ok := read(call); ok {
			return vm.ToValue(cast.ToInt64(v))
		}
		return goja.Null()
	})
	env.Set("get_bool", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
		if v, ok := read(call); ok {
			return vm.ToValue(cast.ToBool(v))
		}
		return goja.Null()
	})
	return vm.Set("env", env)
}

// installExtras wires the opt-in host modules named in the config.
// Unknown names are ignored.
func (s *Sandbox) installExtras(vm *goja.Runtime) error {
	for _, name := range s.cfg.ExtraModules {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "uuid":
			o := vm.NewObject()
			o.Set("v4", func() string { return uuid.NewString() }) //nolint:errcheck
			if err := vm.Set("uuid", o); err != nil {
				return err
			}
		case "base64":
			o := vm.NewObject()
			o.Set("encode", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
				return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
			})
			o.Set("decode", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
				b, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
				if err != nil {
					panic(vm.ToValue(err.Error()))
				}
				return vm.ToValue(string(b))
			})
			if err := vm.Set("base64", o); err != nil {
				return err
			}
		case "hash":
			o := vm.NewObject()
			o.Set("md5", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
				sum := md5.Sum([]byte(call.Argument(0).String())) //nolint:gosec
				return vm.ToValue(hex.EncodeToString(sum[:]))
			})
			o.Set("sha1", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
				sum := sha1.Sum([]byte(call.Argument(0).String())) //nolint:gosec
				return vm.ToValue(hex.EncodeToString(sum[:]))
			})
			o.Set("sha256", func(call goja.FunctionCall) goja.Value { //nolint:errcheck
				sum := sha256.Sum256([]byte(call.Argument(0).String()))
				return vm.ToValue(hex.EncodeToString(sum[:]))
			})
			if err := vm.Set("hash", o); err != nil {
				return err
			}
		}
	}
	return nil
}
