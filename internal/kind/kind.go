// Package kind defines the configuration model for one pool kind: a
// named capacity budget, backed by one backend target, that Acquire
// callers address by index into a Pool's capacity vector.
package kind

import (
	"strconv"
	"time"
)

// Kind is one entry of a pool's capacity vector: a named budget mapped
// to a single backend target (e.g. one SQL Server instance).
type Kind struct {
	ID                string        `yaml:"id"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	Database          string        `yaml:"database"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxWeight         int           `yaml:"max_weight"`
	MaxWaiters        int           `yaml:"max_waiters"`
	MinIdle           int           `yaml:"min_idle"`
	MaxIdleTime       time.Duration `yaml:"max_idle_time"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	QueueTimeout      time.Duration `yaml:"queue_timeout"`
}

// DSN returns the backend's connection string for this kind.
func (k *Kind) DSN() string {
	return "sqlserver://" + k.Username + ":" + k.Password +
		"@" + k.Host + ":" + strconv.Itoa(k.Port) +
		"?database=" + k.Database +
		"&connection+timeout=" + strconv.Itoa(int(k.ConnectionTimeout.Seconds()))
}

// Addr returns the host:port address of this kind's backend.
func (k *Kind) Addr() string {
	return k.Host + ":" + strconv.Itoa(k.Port)
}
