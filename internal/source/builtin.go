package source

import (
	"net"
	"net/url"
	"strconv"
	"time"

	"data-rsync/internal/core"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"

	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const allCaps = core.CapIntrospect | core.CapCapture | core.CapShardScan

// Builtins 编译进二进制的源类型
func Builtins() []core.SourceType {
	return []core.SourceType{
		{Name: model.SourceMySQL, DriverName: "mysql", Dialect: mysqlDialect{}, Caps: allCaps, DSN: mysqlDSN},
		{Name: model.SourcePostgreSQL, DriverName: "pgx", Dialect: postgresDialect{}, Caps: allCaps, DSN: postgresDSN},
		{Name: model.SourceSQLite, DriverName: "sqlite", Dialect: sqliteDialect{}, Caps: allCaps, DSN: sqliteDSN},
	}
}

// NewRegistry 使用内置类型构造注册表
func NewRegistry() (*core.Registry, error) {
	return core.NewRegistry(Builtins()...)
}

func requireHost(ds *model.DataSource, defaultPort int) (string, error) {
	if ds.Host == "" {
		return "", errs.Configf("source.dsn", "data source %q: host is required", ds.Name)
	}
	port := ds.Port
	if port == 0 {
		port = defaultPort
	}
	if port < 0 || port > 65535 {
		return "", errs.Configf("source.dsn", "data source %q: invalid port %d", ds.Name, ds.Port)
	}
	return net.JoinHostPort(ds.Host, strconv.Itoa(port)), nil
}

func mysqlDSN(ds *model.DataSource) (string, error) {
	addr, err := requireHost(ds, 3306)
	if err != nil {
		return "", err
	}
	cfg := mysql.NewConfig()
	cfg.User = ds.Username
	cfg.Passwd = ds.Password
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = ds.Database
	cfg.ParseTime = true
	cfg.Timeout = 10 * time.Second
	cfg.Params = map[string]string{}
	for k, v := range ds.Options {
		cfg.Params[k] = toString(v)
	}
	return cfg.FormatDSN(), nil
}

func postgresDSN(ds *model.DataSource) (string, error) {
	addr, err := requireHost(ds, 5432)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   addr,
		Path:   "/" + ds.Database,
	}
	if ds.Username != "" {
		u.User = url.UserPassword(ds.Username, ds.Password)
	}
	q := url.Values{}
	q.Set("sslmode", "disable")
	for k, v := range ds.Options {
		if k == "schema" {
			continue
		}
		q.Set(k, toString(v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sqliteDSN Database 即文件路径或 file: URI
func sqliteDSN(ds *model.DataSource) (string, error) {
	if ds.Database == "" {
		return "", errs.Configf("source.dsn", "data source %q: sqlite path is required", ds.Name)
	}
	return ds.Database, nil
}
