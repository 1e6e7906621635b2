package core

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sqljin/sqljin/core/internal/dialect"
	"github.com/sqljin/sqljin/core/internal/pool"
)

const (
	accessBufSize    = 1024
	accessSoftCap    = 2 << 10  // body, params, headers
	accessHardCap    = 64 << 10 // any single field
	accessWriteRetry = 3
)

// accessWriter records request outcomes asynchronously: a buffered
// channel feeding one writer goroutine. A full buffer drops records;
// logging never fails a request.
type accessWriter struct {
	engine  *gatewayEngine
	log     *zap.SugaredLogger
	logBody bool

	ch   chan AccessRecord
	done chan struct{}

	mu   sync.Mutex
	dest *AccessLogConfig
}

func newAccessWriter(ge *gatewayEngine, logBody bool, log *zap.SugaredLogger) *accessWriter {
	w := &accessWriter{
		engine:  ge,
		log:     log,
		logBody: logBody,
		ch:      make(chan AccessRecord, accessBufSize),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Record queues one access record, truncating oversized fields first.
func (w *accessWriter) Record(rec AccessRecord) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	if !w.logBody {
		rec.RequestBody = ""
	}
	rec.RequestBody = truncateField(rec.RequestBody, accessSoftCap)
	rec.RequestParams = truncateField(rec.RequestParams, accessSoftCap)
	rec.RequestHeaders = truncateField(rec.RequestHeaders, accessSoftCap)
	rec.Path = truncateField(rec.Path, accessHardCap)

	select {
	case w.ch <- rec:
	default:
		w.log.Debugw("access record dropped, buffer full")
	}
}

// Refresh forces the destination to be re-resolved on the next write;
// the datasource watcher calls it when the config row changes.
func (w *accessWriter) Refresh() {
	w.mu.Lock()
	w.dest = nil
	w.mu.Unlock()
}

// Close drains queued records and stops the writer.
func (w *accessWriter) Close() {
	close(w.ch)
	<-w.done
}

func (w *accessWriter) loop() {
	defer close(w.done)
	for rec := range w.ch {
		err := retry.Do(
			func() error { return w.write(rec) },
			retry.Attempts(accessWriteRetry),
			retry.Delay(200*time.Millisecond),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			w.log.Warnw("access record write failed", "path", rec.Path, "error", err)
		}
	}
}

// write routes a record to its destination: the main database unless
// the config points at an active external datasource.
func (w *accessWriter) write(rec AccessRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg, err := w.destination(ctx)
	if err != nil {
		return err
	}

	if cfg.StorageDatasourceID == "" {
		return w.engine.store.InsertAccessRecord(ctx, rec)
	}

	ds, target, err := w.engine.datasourceTarget(ctx, cfg.StorageDatasourceID)
	if err != nil {
		// Inactive or missing storage datasource falls back to the
		// main database.
		return w.engine.store.InsertAccessRecord(ctx, rec)
	}

	conn, err := w.engine.pools.Acquire(ctx, target)
	if err != nil {
		return err
	}
	defer w.engine.pools.Release(conn)

	if cfg.UseAuditDialect && dialect.MySQLCompatible(ds.Kind) {
		return insertAudit(ctx, conn, rec)
	}
	return insertGeneric(ctx, conn, ds.Kind, rec)
}

func (w *accessWriter) destination(ctx context.Context) (*AccessLogConfig, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dest != nil {
		return w.dest, nil
	}
	cfg, err := w.engine.store.LoadAccessLogConfig(ctx)
	if err != nil {
		return nil, err
	}
	w.dest = cfg
	return cfg, nil
}

const genericAccessInsert = `INSERT INTO access_record
  (id, api_assignment_id, app_client_id, ip_address, http_method, path,
   status_code, request_body, request_headers, request_params, created_at, duration_ms)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const auditAccessInsert = `INSERT INTO audit_access_log
  (id, api_id, client_id, ip_address, http_method, path,
   status_code, request_body, request_headers, request_params, created_at, duration_ms)
 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func insertGeneric(ctx context.Context, conn *pool.Conn, kind string, rec AccessRecord) error {
	_, err := conn.ExecContext(ctx, rebindFor(kind, genericAccessInsert), accessArgs(rec)...)
	return err
}

func insertAudit(ctx context.Context, conn *pool.Conn, rec AccessRecord) error {
	_, err := conn.ExecContext(ctx, auditAccessInsert, accessArgs(rec)...)
	return err
}

func accessArgs(rec AccessRecord) []any {
	return []any{
		rec.ID, nullString(rec.EndpointID), nullString(rec.ClientID), rec.IPAddress,
		rec.HTTPMethod, rec.Path, rec.StatusCode, rec.RequestBody, rec.RequestHeaders,
		rec.RequestParams, rec.CreatedAt, rec.DurationMS,
	}
}

// rebindFor converts ? placeholders for postgres targets.
func rebindFor(kind, query string) string {
	if strings.ToLower(kind) != "postgres" {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncateField cuts a field down to max bytes, backing off to the
// previous rune boundary so the result stays valid UTF-8.
func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max > accessHardCap {
		max = accessHardCap
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
