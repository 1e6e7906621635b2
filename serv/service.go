package serv

import (
	"crypto/sha256"
	"database/sql"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sqljin/sqljin/core"
	"github.com/sqljin/sqljin/serv/internal/util"
)

const (
	logLevelNone int = iota
	logLevelInfo
	logLevelWarn
	logLevelError
	logLevelDebug
)

const (
	servStarted int = iota
	servListening
)

// sqljinService holds the entire runtime state of the HTTP service.
// It is rebuilt wholesale on reload and swapped into HttpService
// atomically.
type sqljinService struct {
	log      *zap.SugaredLogger
	zlog     *zap.Logger
	logLevel int
	conf     *Config
	db       *sql.DB
	dbtype   string
	gw       *core.Gateway
	asec     [32]byte
	closeFn  func()
	state    int
}

// HttpService is the public handle to the running service.
type HttpService struct {
	atomic.Value
}

// Option is a function that configures the service
type Option func(*sqljinService) error

// OptionSetDB sets the main database connection, bypassing the
// config-driven connect.
func OptionSetDB(db *sql.DB, dbtype string) Option {
	return func(s *sqljinService) error {
		s.db = db
		s.dbtype = dbtype
		return nil
	}
}

// OptionSetZapLogger replaces the logger built from the config.
func OptionSetZapLogger(zlog *zap.Logger) Option {
	return func(s *sqljinService) error {
		s.zlog = zlog
		s.log = zlog.Sugar()
		return nil
	}
}

// NewHttpService creates a new sqljin HTTP service from the config.
func NewHttpService(conf *Config, options ...Option) (*HttpService, error) {
	s, err := newSqljinService(conf, options...)
	if err != nil {
		return nil, err
	}

	s1 := &HttpService{}
	s1.Store(s)
	return s1, nil
}

func newSqljinService(conf *Config, options ...Option) (*sqljinService, error) {
	if conf == nil {
		conf = &Config{}
	}

	zlog := util.NewLogger(conf.ShouldUseJSONLogs())

	s := &sqljinService{
		conf: conf,
		zlog: zlog,
		log:  zlog.Sugar(),
	}

	// ordering of these initializer matter, do not re-order!

	initLogLevel(s)

	if err := s.initConfig(); err != nil {
		return nil, err
	}

	for _, op := range options {
		if err := op(s); err != nil {
			return nil, err
		}
	}

	if err := s.initDB(); err != nil {
		return nil, err
	}

	if err := s.initGateway(); err != nil {
		return nil, err
	}

	s.asec = sha256.Sum256([]byte(conf.adminSecret()))
	return s, nil
}

// Start starts the service listening on the configured host and port.
func (s1 *HttpService) Start() error {
	startHTTP(s1)
	return nil
}

// Deploy rebuilds the service from a freshly read config and swaps it
// in. In-flight requests finish against the old engine.
func (s1 *HttpService) Deploy(conf *Config, options ...Option) error {
	if conf == nil {
		return nil
	}

	old := s1.Load().(*sqljinService)

	s, err := newSqljinService(conf, options...)
	if err != nil {
		return err
	}
	s.state = old.state

	s1.Store(s)

	if old.gw != nil {
		old.gw.Close()
	}
	if old.db != nil && old.db != s.db {
		old.db.Close() //nolint:errcheck
	}
	return nil
}

// Gateway exposes the underlying request gateway.
func (s1 *HttpService) Gateway() *core.Gateway {
	return s1.Load().(*sqljinService).gw
}
