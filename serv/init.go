package serv

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	validator "github.com/go-playground/validator/v10"

	"github.com/sqljin/sqljin/core"
)

// initLogLevel initializes the log level
func initLogLevel(s *sqljinService) {
	switch s.conf.LogLevel {
	case "debug":
		s.logLevel = logLevelDebug
	case "error":
		s.logLevel = logLevelError
	case "warn":
		s.logLevel = logLevelWarn
	case "info":
		s.logLevel = logLevelInfo
	default:
		s.logLevel = logLevelNone
	}
}

// initConfig initializes the configuration
func (s *sqljinService) initConfig() error {
	c := s.conf

	hp := strings.SplitN(c.HostPort, ":", 2)

	if len(hp) == 2 {
		if c.Host != "" {
			hp[0] = c.Host
		}

		if c.Port != "" {
			hp[1] = c.Port
		}

		c.hostPort = fmt.Sprintf("%s:%s", hp[0], hp[1])
	}

	if c.hostPort == "" {
		c.hostPort = defaultHP
	}

	c.Core.Production = c.Serv.Production
	return validateConf(s)
}

// validateConf validates the configuration
func validateConf(s *sqljinService) error {
	c := s.conf

	type prodConf struct {
		SecretKey  string `validate:"required,min=16"`
		DBType     string `validate:"oneof=postgres mysql"`
		ConnString string `validate:"required_without_all=Host DBName"`
		Host       string
		DBName     string
	}

	if !c.Serv.Production {
		return nil
	}

	v := validator.New()
	err := v.Struct(prodConf{
		SecretKey:  c.SecretKey,
		DBType:     c.DB.Type,
		ConnString: c.DB.ConnString,
		Host:       c.DB.Host,
		DBName:     c.DB.DBName,
	})
	if err != nil {
		return fmt.Errorf("invalid production config: %w", err)
	}
	return nil
}

// initDB initializes the main database connection
func (s *sqljinService) initDB() error {
	var err error

	if s.db != nil {
		if s.dbtype == "" {
			s.dbtype = s.conf.DB.Type
		}
		return nil
	}

	s.db, err = newDB(s.conf, true, s.log)
	if err != nil {
		return err
	}
	s.dbtype = s.conf.DB.Type
	return nil
}

// initGateway initializes the request gateway on top of the main
// database connection.
func (s *sqljinService) initGateway() error {
	gw, err := core.NewGateway(&s.conf.Core, s.db, s.dbtype, s.log)
	if err != nil {
		return err
	}
	s.gw = gw
	return nil
}

// basePath returns the base path for relative config files
func (s *sqljinService) basePath() (string, error) {
	if s.conf.ConfigPath == "" {
		if cp, err := os.Getwd(); err == nil {
			return filepath.Join(cp, "conf"), nil
		} else {
			return "", err
		}
	}
	return s.conf.ConfigPath, nil
}
