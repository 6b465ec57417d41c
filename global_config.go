package scopetrig

import (
	"log"
	"os"
	"time"
)

// Portnumbers structs can contain all TCP port numbers used by scopetrig.
type Portnumbers struct {
	RPC       int
	Status    int
	Waveforms int
	Captures  int
}

// Ports globally holds all TCP port numbers used by scopetrig.
var Ports Portnumbers

// SetPortnumbers assigns all ports consecutively, starting at base.
func SetPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
	Ports.Waveforms = base + 2
	Ports.Captures = base + 3
}

// BuildInfo can contain compile-time information about the build
type BuildInfo struct {
	Version string
	Githash string
	Gitdate string
	Date    string
	Host    string
	Summary string
}

// Build is a global holding compile-time information about the build
var Build = BuildInfo{
	Version: "0.1.0",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// ScopetrigStartTime is a global holding the time init() was run
var ScopetrigStartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log client updates to a file
var UpdateLogger *log.Logger

func init() {
	SetPortnumbers(5600)
	ScopetrigStartTime = time.Now()

	// The main program will override these, but at least initialize with a sensible value
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stdout, "", log.LstdFlags)
}
