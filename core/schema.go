package core

import (
	"time"

	"github.com/sqljin/sqljin/core/internal/dialect"
)

// Engine kinds an endpoint can run on.
const (
	EngineSQL    = "sql"
	EngineScript = "script"
)

// Access types of an endpoint. Private endpoints require a client
// token and an explicit grant.
const (
	AccessPublic  = "public"
	AccessPrivate = "private"
)

// Macro kinds. SQL macros prepend to SQL content, script macros to
// script content.
const (
	MacroSQL    = "sql"
	MacroScript = "script"
)

// Module groups endpoints under a shared path prefix.
type Module struct {
	ID          string
	Name        string
	PathPrefix  string
	Description string
	Active      bool
	SortOrder   int
}

// Endpoint is one admin-defined route: a path pattern under a module,
// bound to an engine and optionally a datasource.
type Endpoint struct {
	ID                    string
	ModuleID              string
	Name                  string
	PathPattern           string
	HTTPMethod            string
	EngineKind            string
	DatasourceID          string
	Published             bool
	PublishedVersionID    string
	AccessType            string
	RateLimitPerMinute    int
	CloseAfterEachExecute bool
	SortOrder             int
}

// EndpointContent is the current (unversioned) content row of an
// endpoint.
type EndpointContent struct {
	ID              string
	EndpointID      string
	Content         string
	ParamSchema     []ParamSpec
	Validators      []Validator
	ResultTransform string
}

// VersionSnapshot is a published, immutable copy of endpoint content.
// When an endpoint points at one it wins over the content row.
type VersionSnapshot struct {
	ID              string
	EndpointID      string
	Content         string
	ParamSchema     []ParamSpec
	Validators      []Validator
	ResultTransform string
	Note            string
	CreatedAt       time.Time
}

// Macro is a reusable content fragment, global or scoped to a module.
type Macro struct {
	ID                 string
	ModuleID           string
	Name               string
	Kind               string
	Content            string
	Published          bool
	PublishedVersionID string
}

// ParamSpec declares one bound parameter of an endpoint. Stored as the
// param_schema json column.
type ParamSpec struct {
	Name              string `json:"name"`
	Location          string `json:"location"`
	DataType          string `json:"data_type"`
	Required          bool   `json:"required"`
	DefaultValue      string `json:"default_value,omitempty"`
	ValidationMessage string `json:"validation_message,omitempty"`
}

// Validator is a script check run against a bound parameter. Stored as
// the validators json column.
type Validator struct {
	Name            string `json:"name"`
	Script          string `json:"script"`
	MessageWhenFail string `json:"message_when_fail,omitempty"`
}

// Client is an API consumer authenticating with client credentials.
type Client struct {
	ID                 string
	ClientID           string
	ClientSecretHash   string
	Name               string
	Active             bool
	RateLimitPerMinute int
	MaxConcurrent      int
}

// FirewallRule allows or denies source IPs by CIDR, evaluated in sort
// order.
type FirewallRule struct {
	ID          string
	Action      string
	CIDR        string
	Description string
	Active      bool
	SortOrder   int
}

// Datasource is an external database endpoints execute against. The
// password column is encrypted with the gateway secret key.
type Datasource struct {
	ID                    string
	Name                  string
	Kind                  string
	Host                  string
	Port                  int
	DatabaseName          string
	Username              string
	PasswordEncrypted     string
	Params                map[string]string
	Active                bool
	CloseAfterEachExecute bool
	UseSSL                bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// target builds the pool target for the datasource with the password
// already decrypted.
func (d *Datasource) target(password string) dialect.Target {
	return dialect.Target{
		ID:       d.ID,
		Kind:     d.Kind,
		Host:     d.Host,
		Port:     d.Port,
		Database: d.DatabaseName,
		User:     d.Username,
		Password: password,
		UseSSL:   d.UseSSL,
		Params:   d.Params,
	}
}

// AccessRecord is one row of the request audit trail.
type AccessRecord struct {
	ID             string
	EndpointID     string
	ClientID       string
	IPAddress      string
	HTTPMethod     string
	Path           string
	StatusCode     int
	RequestBody    string
	RequestHeaders string
	RequestParams  string
	CreatedAt      time.Time
	DurationMS     int64
}

// AccessLogConfig selects where access records land: the main database
// when no storage datasource is set.
type AccessLogConfig struct {
	ID                  int
	StorageDatasourceID string
	UseAuditDialect     bool
}
