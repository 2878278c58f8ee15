package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
)

// Supported database drivers.
const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// ConnectionString returns the data source name for the configured driver.
// An explicit DSN is used as given, except that MySQL DSNs always get
// parseTime=true. Otherwise the DSN is built from the discrete fields.
func (d *DatabaseConfig) ConnectionString() (string, error) {
	switch d.Driver {
	case DriverMySQL, "":
		return d.mysqlDSN()
	case DriverPostgres:
		return d.postgresDSN(), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", d.Driver)
	}
}

func (d *DatabaseConfig) mysqlDSN() (string, error) {
	var cfg *mysql.Config
	if strings.TrimSpace(d.DSN) != "" {
		parsed, err := mysql.ParseDSN(d.DSN)
		if err != nil {
			return "", fmt.Errorf("database.dsn is invalid: %w", err)
		}
		cfg = parsed
	} else {
		cfg = mysql.NewConfig()
		cfg.User = d.User
		cfg.Passwd = d.Password
		cfg.Net = "tcp"
		cfg.Addr = net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
		cfg.DBName = d.Database
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if d.TLSMode != "" && cfg.TLSConfig == "" {
		cfg.TLSConfig = d.TLSMode
	}
	return cfg.FormatDSN(), nil
}

func (d *DatabaseConfig) postgresDSN() string {
	if strings.TrimSpace(d.DSN) != "" {
		return d.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	q := url.Values{}
	sslMode := "disable"
	switch d.TLSMode {
	case "true", "verify-full":
		sslMode = "verify-full"
	case "skip-verify", "require":
		sslMode = "require"
	}
	q.Set("sslmode", sslMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// DatabaseName returns the schema that introspection reads. An explicit DSN
// wins over database.database.
func (d *DatabaseConfig) DatabaseName() (string, error) {
	dsn := strings.TrimSpace(d.DSN)
	if dsn == "" {
		return d.Database, nil
	}
	if d.Driver == DriverPostgres {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("database.dsn is invalid: %w", err)
		}
		if name := strings.TrimPrefix(u.Path, "/"); name != "" {
			return name, nil
		}
		return d.Database, nil
	}
	parsed, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("database.dsn is invalid: %w", err)
	}
	if parsed.DBName != "" {
		return parsed.DBName, nil
	}
	return d.Database, nil
}
