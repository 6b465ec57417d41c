// Package scopedb records server activity and acquisition runs in a ClickHouse database.
// When no database is reachable every method is a silent no-op.
package scopedb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// DBConnection holds the open ClickHouse connection, if any.
type DBConnection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	runmsg        chan *RunMessage
	sync.WaitGroup
}

const databaseName = "scopetrig" // official SQL name of the database

const timeFormat = "2006-01-02 15:04:05.000000"

// IsConnected says whether db holds a working connection.
func (db *DBConnection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected db, if any.
func (db *DBConnection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// PingServer checks that a ClickHouse server answers.
func PingServer() error {
	db := createDBConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected: %v", db.err)
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartDBConnection connects, logs the server activity and handles run
// messages until abort is closed.
func StartDBConnection(activity *ActivityMessage, abort <-chan struct{}) *DBConnection {
	db := createDBConnection()
	db.activityEntry = activity
	if !db.IsConnected() {
		return db
	}
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyDBConnection returns an unconnected DBConnection.
func DummyDBConnection() *DBConnection {
	return &DBConnection{}
}

func createDBConnection() *DBConnection {
	db := &DBConnection{}
	addr := os.Getenv("SCOPETRIG_DB_ADDR")
	if addr == "" {
		addr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SCOPETRIG_DB_USER"),
		Password: os.Getenv("SCOPETRIG_DB_PASSWORD"),
	}
	opt := clickhouse.Options{
		Addr:        []string{addr},
		Auth:        auth,
		DialTimeout: 2 * time.Second,
		ClientInfo: clickhouse.ClientInfo{
			Products: []struct {
				Name    string
				Version string
			}{
				{Name: "scopetrig", Version: "unknown"},
			},
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			err = fmt.Errorf("clickhouse exception [%d] %s", exception.Code, exception.Message)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *RunMessage)
	db.Add(1)
	return db
}

func (db *DBConnection) logActivity() {
	if !db.IsConnected() || db.activityEntry == nil {
		return
	}
	ae := db.activityEntry
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO scopeactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version, ae.GoVersion, ae.CPUs,
		ae.Start.Format(timeFormat), ae.End.Format(timeFormat),
	); err != nil {
		db.err = fmt.Errorf("insert into scopeactivity: %w", err)
	}
}

func (db *DBConnection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case msg := <-db.runmsg:
			db.handleRunMessage(msg)
		}
	}
}

// Disconnect logs the end of server activity and closes the connection.
func (db *DBConnection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	db.activityEntry.End = time.Now()
	db.logActivity()
	db.conn.Close()
	db.conn = nil
}

// RecordRun stores a RunMessage. It blocks until the connection goroutine
// accepts the message, so a run's start row precedes its end row.
func (db *DBConnection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun stamps the end time on msg and stores it without blocking.
func (db *DBConnection) FinishRun(msg *RunMessage) {
	if msg == nil {
		return
	}
	msg.End = time.Now()
	if !db.IsConnected() {
		return
	}
	go func() { db.runmsg <- msg }()
}

func (db *DBConnection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO acquisitionruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.Source, m.Nchannels, m.SampleRate,
		m.WindowWidth, m.TriggerPos, m.TriggerLevel, m.Hysteresis, m.TriggerChannel,
		m.Captures, m.Dropped, m.Start.Format(timeFormat), m.End.Format(timeFormat),
	); err != nil {
		db.err = fmt.Errorf("insert into acquisitionruns: %w", err)
	}
}
