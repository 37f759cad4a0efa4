// Package backend implements gopool.Connector against SQL Server, one
// physical connection per slot. It mirrors the original bucket pool's
// connection lifecycle (single-connection sql.DB, ping on open,
// sp_reset_connection on release) but expressed as a Connector the
// generic pool drives rather than code embedded in the pool itself.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/joao-brasil/connpool/internal/gopool"
	"github.com/joao-brasil/connpool/internal/kind"
)

// Conn is the connection payload a Lease's Get() returns for this
// backend: one physical SQL Server connection, capped to MaxOpenConns=1
// so it maps 1:1 onto a slot.
type Conn struct {
	ID int64
	DB *sql.DB
}

// SQLServerConnector opens connections for a single kind.
type SQLServerConnector struct {
	kind   kind.Kind
	nextID atomic.Int64
}

// New returns a Connector for k.
func New(k kind.Kind) *SQLServerConnector {
	return &SQLServerConnector{kind: k}
}

// Connect implements gopool.Connector. It opens and pings a new
// connection on a background goroutine and resolves the returned Future
// once the dial either succeeds or fails; it never blocks the caller.
func (c *SQLServerConnector) Connect(ctx gopool.Context, listener gopool.ConnectListener) gopool.Future {
	promise := gopool.NewPromise()
	id := c.nextID.Add(1)
	k := c.kind

	go func() {
		db, err := sql.Open("sqlserver", k.DSN())
		if err != nil {
			promise.Reject(fmt.Errorf("sql.Open: %w", err))
			return
		}

		// A single-connection sql.DB per slot keeps one Conn mapped 1:1 to
		// one physical SQL Server session, matching how the pool accounts
		// for it.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		dialCtx, cancel := context.WithTimeout(context.Background(), k.ConnectionTimeout)
		defer cancel()
		if err := db.PingContext(dialCtx); err != nil {
			db.Close()
			promise.Reject(fmt.Errorf("ping %s: %w", k.Addr(), err))
			return
		}

		log.Printf("[backend] kind %s — opened connection %d", k.ID, id)
		promise.Resolve(gopool.ConnectResult{
			Connection:  &Conn{ID: id, DB: db},
			Concurrency: 1,
			Weight:      1,
		})
	}()

	return promise
}

// IsValid pings the connection to decide whether it can still serve a
// lease.
func (c *SQLServerConnector) IsValid(connection interface{}) bool {
	conn, ok := connection.(*Conn)
	if !ok || conn.DB == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return conn.DB.PingContext(ctx) == nil
}

// Reset clears session-local state (temp tables, SET options, open
// transactions) so a connection is safe to hand to the next lease. The
// caller runs this while it still holds the lease, before Lease.Recycle;
// it is not something the pool itself needs to know about.
func (c *SQLServerConnector) Reset(conn *Conn) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.DB.ExecContext(ctx, "EXEC sp_reset_connection")
	return err
}

// Close releases the underlying sql.DB. The pool calls this itself only
// indirectly, by handing back the Connection payload inside a
// CloseResult or an Evict result; closing it is the caller's job.
func (c *Conn) Close() error {
	return c.DB.Close()
}
