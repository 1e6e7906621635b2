package serv

import (
	"crypto/tls"
	"crypto/x509"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	_ "github.com/go-sql-driver/mysql"
)

const (
	pemSig = "--BEGIN "
)

type dbConf struct {
	driverName string
	connString string
}

// NewDB opens a connection to the main database.
func NewDB(conf *Config, log *zap.SugaredLogger) (*sql.DB, error) {
	return newDB(conf, false, log)
}

// initDBDriver initializes the database driver config based on the DB type
func initDBDriver(conf *Config) (*dbConf, error) {
	dbtype := strings.ToLower(conf.DB.Type)

	if cs := conf.DB.ConnString; cs != "" {
		if strings.HasPrefix(cs, "postgres://") || strings.HasPrefix(cs, "postgresql://") {
			dbtype = "postgres"
		}
		if strings.HasPrefix(cs, "mysql://") {
			dbtype = "mysql"
			conf.DB.ConnString = strings.TrimPrefix(cs, "mysql://")
		}
	}

	var dc *dbConf
	var err error

	switch dbtype {
	case "", "postgres":
		conf.DB.Type = "postgres"
		dc, err = initPostgres(conf)
	case "mysql", "mariadb":
		conf.DB.Type = "mysql"
		dc, err = initMysql(conf)
	default:
		return nil, fmt.Errorf("unsupported main database type %q: supported types are postgres, mysql", dbtype)
	}

	if err != nil {
		return nil, fmt.Errorf("database init: %v", err)
	}
	return dc, nil
}

// newDB initializes the main database connection, retrying with a
// growing backoff when retry is set.
func newDB(conf *Config, retry bool, log *zap.SugaredLogger) (*sql.DB, error) {
	var db *sql.DB
	var err error

	dc, err := initDBDriver(conf)
	if err != nil {
		return nil, err
	}

	for i := 0; ; {
		db, err = sql.Open(dc.driverName, dc.connString)
		if err == nil {
			db.SetMaxIdleConns(conf.DB.PoolSize)
			db.SetMaxOpenConns(conf.DB.MaxConnections)
			db.SetConnMaxIdleTime(conf.DB.MaxConnIdleTime)
			db.SetConnMaxLifetime(conf.DB.MaxConnLifeTime)

			if err := db.Ping(); err == nil {
				return db, nil
			} else {
				db.Close() //nolint:errcheck
				log.Warnf("database ping: %s", err)
			}

		} else {
			log.Warnf("database open: %s", err)
		}

		if !retry {
			return nil, err
		}

		time.Sleep(time.Duration(i*100) * time.Millisecond)

		if i > 50 {
			return nil, err
		} else {
			i++
		}
	}
}

// initPostgres initializes the postgres database
func initPostgres(conf *Config) (*dbConf, error) {
	config, _ := pgx.ParseConfig(conf.DB.ConnString)

	// Check if the connection string is empty, if it is, look at the
	// other fields
	if conf.DB.ConnString == "" {
		if conf.DB.Host != "" {
			config.Host = conf.DB.Host
		}
		if conf.DB.Port != 0 {
			config.Port = conf.DB.Port
		}
		if conf.DB.User != "" {
			config.User = conf.DB.User
		}
		if conf.DB.Password != "" {
			config.Password = conf.DB.Password
		}
		config.Database = conf.DB.DBName
	}

	if config.RuntimeParams == nil {
		config.RuntimeParams = map[string]string{}
	}

	if conf.DB.Schema != "" {
		config.RuntimeParams["search_path"] = conf.DB.Schema
	}

	if conf.AppName != "" {
		config.RuntimeParams["application_name"] = conf.AppName
	}

	if conf.DB.EnableTLS {
		if len(conf.DB.ServerName) == 0 {
			return nil, errors.New("tls: server_name is required")
		}
		if len(conf.DB.ServerCert) == 0 {
			return nil, errors.New("tls: server_cert is required")
		}

		fs := afero.NewOsFs()
		rootCertPool := x509.NewCertPool()
		var pem []byte
		var err error

		if strings.Contains(conf.DB.ServerCert, pemSig) {
			pem = []byte(strings.ReplaceAll(conf.DB.ServerCert, `\n`, "\n"))
		} else {
			pem, err = afero.ReadFile(fs, conf.AbsolutePath(conf.DB.ServerCert))
		}

		if err != nil {
			return nil, fmt.Errorf("tls: %w", err)
		}

		if ok := rootCertPool.AppendCertsFromPEM(pem); !ok {
			return nil, errors.New("tls: failed to append pem")
		}

		config.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    rootCertPool,
			ServerName: conf.DB.ServerName,
		}

		if len(conf.DB.ClientCert) > 0 {
			if len(conf.DB.ClientKey) == 0 {
				return nil, errors.New("tls: client_key is required")
			}

			var certs tls.Certificate

			if strings.Contains(conf.DB.ClientCert, pemSig) {
				certs, err = tls.X509KeyPair(
					[]byte(strings.ReplaceAll(conf.DB.ClientCert, `\n`, "\n")),
					[]byte(strings.ReplaceAll(conf.DB.ClientKey, `\n`, "\n")),
				)
			} else {
				certs, err = loadX509KeyPair(fs, conf,
					conf.DB.ClientCert, conf.DB.ClientKey)
			}

			if err != nil {
				return nil, fmt.Errorf("tls: %w", err)
			}

			config.TLSConfig.Certificates = []tls.Certificate{certs}
		}
	}

	return &dbConf{driverName: "pgx", connString: stdlib.RegisterConnConfig(config)}, nil
}

// initMysql initializes the mysql database
func initMysql(conf *Config) (*dbConf, error) {
	var connString string
	c := conf

	if c.DB.ConnString == "" {
		connString = fmt.Sprintf("%s:%s@tcp(%s:%d)/%s",
			c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.DBName)
	} else {
		connString = c.DB.ConnString
	}

	return &dbConf{driverName: "mysql", connString: connString}, nil
}

// loadX509KeyPair loads a X509 key pair from the file system
func loadX509KeyPair(fs afero.Fs, conf *Config, certFile, keyFile string) (
	cert tls.Certificate, err error,
) {
	certPEMBlock, err := afero.ReadFile(fs, conf.AbsolutePath(certFile))
	if err != nil {
		return cert, err
	}
	keyPEMBlock, err := afero.ReadFile(fs, conf.AbsolutePath(keyFile))
	if err != nil {
		return cert, err
	}
	return tls.X509KeyPair(certPEMBlock, keyPEMBlock)
}
