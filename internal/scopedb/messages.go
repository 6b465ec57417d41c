package scopedb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the scopeactivity table: one row per server process.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RunMessage is the information for the acquisitionruns table: one row per
// acquisition run, written at its start and again when it ends.
type RunMessage struct {
	ID             string
	Source         string
	Nchannels      int
	SampleRate     float64
	WindowWidth    int
	TriggerPos     int
	TriggerLevel   int
	Hysteresis     int
	TriggerChannel int
	Captures       int64
	Dropped        int64
	Start          time.Time
	End            time.Time
}
