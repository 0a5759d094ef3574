package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// SessionMessage is the information for the sessions table.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Channels  int
	Start     time.Time
	End       time.Time
}

// ChannelRunMessage is the information required to make an entry in the channelruns table:
// one channel's part in one session.
type ChannelRunMessage struct {
	SessionID    string
	Channel      string
	Instrument   string
	Function     string
	SamplePeriod float64 // confirmed, seconds
	RecordLength int
	Samples      int
	Fetches      int
	MaxBacklog   int
	Warnings     int
	Mean         float64
	StdDev       float64
	Outcome      string // "ok" or the error that ended the run
	Start        time.Time
	End          time.Time
}
