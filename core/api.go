// Package core implements the gateway engine: it resolves admin-
// defined endpoints, admits requests through the firewall, auth and
// flow control, and executes SQL templates or sandboxed scripts
// against pooled external databases.
package core

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sqljin/sqljin/auth"
	"github.com/sqljin/sqljin/core/internal/pool"
	"github.com/sqljin/sqljin/core/internal/sandbox"
	"github.com/sqljin/sqljin/core/internal/sqltpl"
)

const templateCacheSize = 2048

// gatewayEngine holds every singleton the request pipeline needs. It
// is rebuilt wholesale by Reload and swapped in atomically.
type gatewayEngine struct {
	conf          *Config
	db            *sql.DB
	dbtype        string
	log           *zap.SugaredLogger
	store         *store
	kv            KV
	kvOwned       bool
	pools         *pool.Manager
	sandbox       *sandbox.Sandbox
	templates     *lru.TwoQueueCache[string, *sqltpl.Template]
	bundles       *bundleCache
	resolver      *resolver
	firewall      *firewall
	flow          *flow
	access        *accessWriter
	workers       *semaphore.Weighted
	encryptionKey [32]byte
	opts          []Option
	done          chan bool
}

// Gateway is the public engine handle. The running engine is stored
// in the atomic.Value so Reload swaps it without locking readers.
type Gateway struct {
	atomic.Value
	done chan bool

	dsMu          sync.Mutex
	dsFingerprint string
}

type Option func(*gatewayEngine) error

// OptionSetKV overrides the shared KV; tests use it to inject
// miniredis-backed or in-memory stores.
func OptionSetKV(kv KV) Option {
	return func(ge *gatewayEngine) error {
		ge.kv = kv
		ge.kvOwned = false
		return nil
	}
}

// NewGateway builds the engine against the main (control-plane)
// database and starts the datasource watcher.
func NewGateway(conf *Config, db *sql.DB, dbtype string, log *zap.SugaredLogger, options ...Option) (*Gateway, error) {
	g := &Gateway{done: make(chan bool)}
	if err := g.newEngine(conf, db, dbtype, log, options...); err != nil {
		return nil, err
	}
	if err := g.initDatasourceWatcher(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Gateway) newEngine(conf *Config, db *sql.DB, dbtype string, log *zap.SugaredLogger, options ...Option) error {
	if conf == nil {
		conf = &Config{Debug: true}
	}
	conf.setDefaults()

	if conf.SecretKey == "" {
		if conf.Production {
			return fmt.Errorf("secret_key is required in production")
		}
		conf.SecretKey = "dev-secret-do-not-use"
	}

	ge := &gatewayEngine{
		conf:          conf,
		db:            db,
		dbtype:        dbtype,
		log:           log,
		store:         newStore(db, dbtype),
		encryptionKey: encryptionKey(conf.SecretKey),
		workers:       semaphore.NewWeighted(int64(conf.MaxWorkers)),
		opts:          options,
		done:          g.done,
	}

	// ordering of these initializer matter, do not re-order!

	if err := ge.initKV(); err != nil {
		return err
	}

	for _, op := range options {
		if err := op(ge); err != nil {
			return err
		}
	}

	if err := ge.initPools(); err != nil {
		return err
	}

	if err := ge.initSandbox(); err != nil {
		return err
	}

	if err := ge.initCaches(); err != nil {
		return err
	}

	ge.flow = newFlow(ge.kv, conf.MaxConcurrentPerClient,
		conf.RateLimitEnabled, conf.RateLimitPerMinute, ge.log)
	ge.access = newAccessWriter(ge, conf.AccessLogBody, ge.log)

	g.Store(ge)
	return nil
}

func (ge *gatewayEngine) initKV() error {
	if !ge.conf.cacheEnabled() {
		ge.kv = NewMemoryKV()
		ge.kvOwned = true
		return nil
	}
	if ge.conf.RedisURL == "" {
		ge.kv = NewMemoryKV()
		ge.kvOwned = true
		return nil
	}
	kv, err := NewRedisKV(ge.conf.RedisURL)
	if err != nil {
		return err
	}
	ge.kv = kv
	ge.kvOwned = true
	return nil
}

func (ge *gatewayEngine) initPools() error {
	ge.pools = pool.NewManager(pool.Config{
		MaxIdlePerDatasource: ge.conf.PoolSize,
		MaxAge:               time.Duration(ge.conf.PoolMaxAgeSeconds) * time.Second,
		ConnectTimeout:       time.Duration(ge.conf.ConnectTimeoutSecs) * time.Second,
		StatementTimeout:     ge.conf.statementTimeout(),
	}, ge.log)
	return nil
}

func (ge *gatewayEngine) initSandbox() error {
	sb, err := sandbox.New(sandbox.Config{
		ExecTimeout:  ge.conf.scriptExecTimeout(),
		ExtraModules: ge.conf.ScriptExtraModules,
		AllowedHosts: ge.conf.ScriptHTTPAllowedHosts,
		AllowedEnv:   ge.conf.ScriptAllowedEnv,
	}, ge.log)
	if err != nil {
		return err
	}
	ge.sandbox = sb
	return nil
}

func (ge *gatewayEngine) initCaches() error {
	templates, err := lru.New2Q[string, *sqltpl.Template](templateCacheSize)
	if err != nil {
		return err
	}
	ge.templates = templates

	ttl := ge.conf.configCacheTTL()

	ge.bundles, err = newBundleCache(ge.kv, ttl, ge.log)
	if err != nil {
		return err
	}
	ge.resolver, err = newResolver(ge.store, ttl, ge.log)
	if err != nil {
		return err
	}
	ge.firewall, err = newFirewall(ge.store, ttl, ge.conf.firewallDefaultAllow(), ge.log)
	return err
}

// Outcome is the fully-formed response of one dispatched request.
type Outcome struct {
	Status int
	Body   map[string]any
}

// Dispatch runs the whole request pipeline and always produces an
// envelope. The concurrency slot is released and the access record
// written exactly once on every path, panics included.
func (g *Gateway) Dispatch(ctx context.Context, req *Request) (out Outcome) {
	ge := g.Load().(*gatewayEngine)

	start := time.Now()
	camel := req.responseCamel()

	release := releaseNop
	var endpointID, clientRowID, loggedParams string

	defer func() {
		if r := recover(); r != nil {
			ge.log.Errorw("panic during dispatch", "panic", r, "path", req.Path)
			out = ge.failure(newError(Unhandled, "internal server error"), camel)
		}
		release()

		ge.access.Record(AccessRecord{
			EndpointID:     endpointID,
			ClientID:       clientRowID,
			IPAddress:      req.ClientIP,
			HTTPMethod:     req.Method,
			Path:           req.Path,
			StatusCode:     out.Status,
			RequestBody:    string(req.Body),
			RequestHeaders: headersJSON(req.Headers),
			RequestParams:  loggedParams,
			DurationMS:     time.Since(start).Milliseconds(),
		})
	}()

	res, err := ge.resolver.Resolve(ctx, req.Method, req.Path)
	if err != nil {
		return ge.failure(err, camel)
	}
	endpointID = res.Endpoint.ID

	if err := ge.firewall.Check(ctx, req.ClientIP); err != nil {
		return ge.failure(err, camel)
	}

	var client *Client
	if res.Endpoint.AccessType == AccessPrivate {
		client, err = ge.authenticate(ctx, req)
		if err != nil {
			return ge.failure(err, camel)
		}
		clientRowID = client.ID

		ok, err := ge.store.ClientCanReach(ctx, client.ID, res.Endpoint.ID)
		if err != nil {
			return ge.failure(err, camel)
		}
		if !ok {
			return ge.failure(newError(ClientGroupDenied, "client has no grant for this endpoint"), camel)
		}
	}

	clientKey := "ip:" + req.ClientIP
	clientMax, clientRate := 0, 0
	if client != nil {
		clientKey = client.ClientID
		clientMax = client.MaxConcurrent
		clientRate = client.RateLimitPerMinute
	}

	release, err = ge.flow.AcquireSlot(ctx, clientKey, clientMax)
	if err != nil {
		return ge.failure(err, camel)
	}

	if err := ge.flow.CheckRate(ctx, res.Endpoint.ID, clientKey,
		res.Endpoint.RateLimitPerMinute, clientRate); err != nil {
		return ge.failure(err, camel)
	}

	bundle, err := ge.bundles.Get(ctx, res.Endpoint.ID, func(ctx context.Context) (*Bundle, error) {
		return ge.loadBundle(ctx, res.Endpoint)
	})
	if err != nil {
		return ge.failure(err, camel)
	}

	params, logged, err := ge.bindParams(ctx, req, bundle, res.PathVars)
	if err != nil {
		return ge.failure(err, camel)
	}
	loggedParams = logged

	result, err := ge.run(ctx, res.Endpoint, bundle, params)
	if err != nil {
		return ge.failure(err, camel)
	}

	return Outcome{Status: http.StatusOK, Body: BuildEnvelope(result, camel)}
}

func (ge *gatewayEngine) failure(err error, camel bool) Outcome {
	e := AsError(err)

	msg := e.Error()
	if e.Kind == Unhandled {
		ge.log.Errorw("unhandled request error", "error", err)
		if ge.conf.Production {
			msg = "internal server error"
		}
	}
	return Outcome{Status: e.HTTPStatus(), Body: ErrorEnvelope(msg, camel)}
}

// authenticate resolves the request's credentials to an active
// client.
func (ge *gatewayEngine) authenticate(ctx context.Context, req *Request) (*Client, error) {
	creds, err := auth.ParseHeader(req.Headers, ge.conf.AuthXAPIKeyEnabled)
	if err != nil {
		return nil, wrapError(AuthFailed, err, "authentication required")
	}

	clientID := creds.ClientID
	if creds.Method == auth.MethodBearer {
		clientID, err = auth.VerifyToken([]byte(ge.conf.SecretKey), creds.Token)
		if err != nil {
			return nil, wrapError(AuthFailed, err, "invalid token")
		}
	}

	c, err := ge.store.ClientByClientID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.Active {
		return nil, newError(AuthFailed, "unknown or inactive client")
	}

	if creds.Method != auth.MethodBearer && !auth.CheckSecret(c.ClientSecretHash, creds.Secret) {
		return nil, newError(AuthFailed, "invalid credentials")
	}
	return c, nil
}

// IssueToken verifies client credentials and mints a bearer token;
// the token endpoint calls it.
func (g *Gateway) IssueToken(ctx context.Context, clientID, clientSecret string) (string, time.Time, error) {
	ge := g.Load().(*gatewayEngine)

	c, err := ge.store.ClientByClientID(ctx, clientID)
	if err != nil {
		return "", time.Time{}, err
	}
	if c == nil || !c.Active || !auth.CheckSecret(c.ClientSecretHash, clientSecret) {
		return "", time.Time{}, newError(AuthFailed, "invalid client credentials")
	}

	ttl := time.Duration(ge.conf.JWTExpireSeconds) * time.Second
	return auth.NewToken([]byte(ge.conf.SecretKey), c.ClientID, ttl)
}

// TokenTTL is the configured bearer token lifetime.
func (g *Gateway) TokenTTL() time.Duration {
	ge := g.Load().(*gatewayEngine)
	return time.Duration(ge.conf.JWTExpireSeconds) * time.Second
}

// Health pings the main database.
func (g *Gateway) Health(ctx context.Context) error {
	ge := g.Load().(*gatewayEngine)
	return ge.store.Ping(ctx)
}

// PoolStats reports per-datasource connection pool stats for the
// admin API.
func (g *Gateway) PoolStats() []pool.Stats {
	ge := g.Load().(*gatewayEngine)
	return ge.pools.Stats()
}

// InvalidateBundle clears one endpoint's cached bundle.
func (g *Gateway) InvalidateBundle(ctx context.Context, endpointID string) {
	ge := g.Load().(*gatewayEngine)
	ge.bundles.Invalidate(ctx, endpointID)
}

// InvalidateAllBundles clears the whole bundle cache.
func (g *Gateway) InvalidateAllBundles(ctx context.Context) {
	ge := g.Load().(*gatewayEngine)
	ge.bundles.InvalidateAll(ctx)
}

// Reload rebuilds the engine and swaps it in atomically. In-flight
// requests finish on the old engine.
func (g *Gateway) Reload() error {
	ge := g.Load().(*gatewayEngine)
	old := ge
	if err := g.newEngine(ge.conf, ge.db, ge.dbtype, ge.log, ge.opts...); err != nil {
		return err
	}
	old.shutdown()
	return nil
}

// Close stops the watcher and drains pools and the access writer.
func (g *Gateway) Close() {
	select {
	case <-g.done:
	default:
		close(g.done)
	}
	g.Load().(*gatewayEngine).shutdown()
}

func (ge *gatewayEngine) shutdown() {
	ge.access.Close()
	ge.pools.DisposeAll()
	if ge.kvOwned && ge.kv != nil {
		ge.kv.Close() //nolint:errcheck
	}
}

// EncryptPassword encrypts a datasource password under the process
// secret; the CLI helper uses it.
func EncryptPassword(secretKey, plain string) (string, error) {
	return EncryptSecret(plain, encryptionKey(secretKey))
}

// headersJSON renders request headers for the access record with
// credential values redacted.
func headersJSON(h http.Header) string {
	if len(h) == 0 {
		return ""
	}
	out := make(map[string]string, len(h))
	for k, vs := range h {
		if len(vs) == 0 {
			continue
		}
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "X-Api-Key", "Cookie":
			out[k] = "[redacted]"
		default:
			out[k] = vs[0]
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return ""
	}
	return string(b)
}
