package main

import (
	"net"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
)

// mysqlDSN builds a go-sql-driver DSN from discrete credentials.
func mysqlDSN(ep Endpoint, timeout time.Duration) string {
	cfg := mysql.NewConfig()
	cfg.User = ep.User
	cfg.Passwd = ep.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
	cfg.DBName = ep.DBName
	cfg.ParseTime = true
	cfg.InterpolateParams = true
	cfg.Loc = time.UTC
	if timeout > 0 {
		cfg.Timeout = timeout
	}
	return cfg.FormatDSN()
}
