// Package sessiondb records acquisition sessions and their channel runs in a ClickHouse database.
package sessiondb

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "syncdaq" // official SQL name of the database

const timeLayout = "2006-01-02 15:04:05.000000"

// NewID returns a new session ID: a ULID, so IDs sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// IDTime returns the creation time encoded in a session ID.
func IDTime(id string) (time.Time, error) {
	u, err := ulid.Parse(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}

// Options say where the database lives. Credentials come from the environment
// variables SYNCDAQ_DB_USER and SYNCDAQ_DB_PASSWORD.
type Options struct {
	Addr        string
	DialTimeout time.Duration
}

// DefaultOptions points at a server on localhost.
func DefaultOptions() Options {
	return Options{Addr: "localhost:9000", DialTimeout: 5 * time.Second}
}

// Connection is a (possibly absent) connection to the session database. Every Record
// method is a no-op when the database is not connected.
type Connection struct {
	conn    clickhouse.Conn
	err     error
	session *SessionMessage
	runmsg  chan *ChannelRunMessage
	sync.WaitGroup
}

// IsConnected tells whether records will reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// Err returns the error that disconnected the database, if any.
func (db *Connection) Err() error {
	if db == nil {
		return nil
	}
	return db.err
}

// Start opens the database, records session, and handles records until abort closes.
func Start(session *SessionMessage, opts Options, abort <-chan struct{}) *Connection {
	db := open(opts)
	db.session = session
	if db.IsConnected() {
		db.Add(1)
		db.logSession()
		go db.handleConnection(abort)
	}
	return db
}

// Dummy returns a Connection that records nothing.
func Dummy() *Connection {
	return &Connection{}
}

func open(opts Options) *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("SYNCDAQ_DB_USER"),
		Password: os.Getenv("SYNCDAQ_DB_PASSWORD"),
	}
	client := clickhouse.ClientInfo{
		Products: []struct {
			Name    string
			Version string
		}{
			{Name: "syncdaq", Version: "unknown"},
		},
	}
	opt := clickhouse.Options{
		Addr:        []string{opts.Addr},
		Auth:        auth,
		ClientInfo:  client,
		DialTimeout: opts.DialTimeout,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	ctx := context.Background()
	if err = conn.Ping(ctx); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s \n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		conn.Close()
		db.err = err
		return db
	}
	db.conn = conn
	db.runmsg = make(chan *ChannelRunMessage)
	return db
}

func (db *Connection) logSession() {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	s := db.session
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO sessions VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		s.ID, s.Hostname, s.Githash, s.Version, s.GoVersion, s.Channels,
		s.Start.Format(timeLayout), s.End.Format(timeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into sessions ", err)
		db.err = err
	}
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.disconnect()
			return
		case msg := <-db.runmsg:
			db.handleChannelRun(msg)
		}
	}
}

func (db *Connection) disconnect() {
	if db.IsConnected() {
		db.session.End = time.Now()
		db.logSession()
	}
	if db.conn != nil {
		db.conn.Close()
	}
}

// RecordChannelRun stores msg, stamped with the session ID. It blocks until the
// connection goroutine accepts the message.
func (db *Connection) RecordChannelRun(msg *ChannelRunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.SessionID = db.session.ID
	db.runmsg <- msg
}

func (db *Connection) handleChannelRun(m *ChannelRunMessage) {
	if !db.IsConnected() {
		return
	}
	ctx := context.Background()
	const nowait = false
	if err := db.conn.AsyncInsert(ctx, `INSERT INTO channelruns VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.SessionID, m.Channel, m.Instrument, m.Function, m.SamplePeriod,
		m.RecordLength, m.Samples, m.Fetches, m.MaxBacklog, m.Warnings,
		m.Mean, m.StdDev, m.Outcome, m.Start.Format(timeLayout), m.End.Format(timeLayout),
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into channelruns ", err)
		db.err = err
	}
}
