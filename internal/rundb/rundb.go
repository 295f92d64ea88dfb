// Package rundb records acquisition sessions and their output files in a
// ClickHouse database.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Connection writes session metadata to ClickHouse from a single goroutine.
// A nil or unconnected Connection swallows every message, so callers never
// need to care whether a database is configured.
type Connection struct {
	conn          clickhouse.Conn
	err           error
	activityEntry *ActivityMessage
	sessionmsg    chan *SessionMessage
	filemsg       chan *FileMessage
	sync.WaitGroup
}

const databaseName = "ssmiss" // official SQL name of the database

const timestampLayout = "2006-01-02 15:04:05.000000"

// IsConnected reports whether the connection is usable.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and reports the server version.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	db.conn.Close()
	return nil
}

// StartConnection connects to the database, records the suite activity
// entry, and starts the goroutine that serializes all inserts. Closing
// abort ends the goroutine.
func StartConnection(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := createConnection()
	db.activityEntry = activity
	db.logActivity()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns a Connection that accepts and discards messages,
// for runs with no database configured.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	dbUser := os.Getenv("SSMISS_DB_USER")
	dbPass := os.Getenv("SSMISS_DB_PASSWORD")
	dbAddr := os.Getenv("SSMISS_DB_ADDR")
	if dbAddr == "" {
		dbAddr = "localhost:9000"
	}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: dbUser,
		Password: dbPass,
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "ssmiss", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:       []string{dbAddr},
		Auth:       auth,
		ClientInfo: client,
		TLS:        nil,
	}
	ctx := context.Background()
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.sessionmsg = make(chan *SessionMessage)
	db.filemsg = make(chan *FileMessage)
	return db
}

func (db *Connection) logActivity() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	ae := db.activityEntry
	formattedStart := ae.Start.Format(timestampLayout)
	formattedEnd := ae.End.Format(timestampLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO suiteactivity VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		ae.ID, ae.Hostname, ae.Githash, ae.Version,
		ae.GoVersion, ae.CPUs, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into suiteactivity ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case smsg := <-db.sessionmsg:
			db.handleSessionMessage(smsg)
		case fmsg := <-db.filemsg:
			db.handleFileMessage(fmsg)
		}
	}
}

// Disconnect stamps the activity entry's end time.
func (db *Connection) Disconnect() {
	if db.IsConnected() {
		db.activityEntry.End = time.Now()
		db.logActivity()
	}
}

// RecordSession stores a new session entry in the DB (if it's open).
// This function will block until the select statement in `handleConnection`
// accepts the message.
// WARNING: Don't change this blocking behavior! It is how we ensure that a
// session is entered in the DB before any corresponding calls to
// `RecordFile` begin. Without the blocking, there would be a race between
// the 2 kinds of DB entries, and some files would be entered without valid
// session IDs.
func (db *Connection) RecordSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.sessionmsg <- msg
}

// FinishSession stamps the session's end time and updates the entry.
func (db *Connection) FinishSession(msg *SessionMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.sessionmsg <- msg }()
}

// RecordFile stores a file entry in the DB (if it's open).
func (db *Connection) RecordFile(msg *FileMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.filemsg <- msg }()
}

func (db *Connection) handleSessionMessage(m *SessionMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(timestampLayout)
	formattedEnd := m.End.Format(timestampLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, db.activityEntry.ID, m.SessionCode, m.Intention, m.Module, m.Directory,
		m.Nchannels, m.SamplePeriod, formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleFileMessage(m *FileMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	formattedStart := m.Start.Format(timestampLayout)
	formattedEnd := m.End.Format(timestampLayout)
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO files VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Filename, m.Filetype, formattedStart, formattedEnd,
		m.Records, m.Size, m.Complete,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into files ", err)
		db.err = err
	}
}
