package syncdaq

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

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

// StartTime is a global holding the time init() was run
var StartTime time.Time

// ProblemLogger will log warning messages to a file
var ProblemLogger *log.Logger

// UpdateLogger will log state transitions and client updates to a file
var UpdateLogger *log.Logger

func init() {
	StartTime = time.Now()

	// The main program will override these, but at least initialize with sensible values
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}

// Settings are the session-wide knobs read from the config file.
type Settings struct {
	FetchTimeout           time.Duration // longest a blocking fetch may wait
	FetchMaxCount          int           // cap on samples per fetch
	HighWater              float64       // fraction of buffer capacity that counts as "high"
	MaxConsecutiveTimeouts int           // continuous mode only; 0 means unlimited
	StatusPort             int
	MetricsAddress         string
	OutputBasePath         string
	DatabaseEnabled        bool
}

// DefaultSettings returns the settings used when no config file overrides them.
func DefaultSettings() Settings {
	return Settings{
		FetchTimeout:           time.Second,
		FetchMaxCount:          1000,
		HighWater:              0.75,
		MaxConsecutiveTimeouts: 10,
		StatusPort:             5600,
		MetricsAddress:         ":9600",
		OutputBasePath:         "$HOME/.syncdaq/data",
		DatabaseEnabled:        false,
	}
}

// SetDefaults registers the default settings with viper.
func SetDefaults() {
	d := DefaultSettings()
	viper.SetDefault("fetch.timeout", d.FetchTimeout)
	viper.SetDefault("fetch.maxcount", d.FetchMaxCount)
	viper.SetDefault("fetch.highwater", d.HighWater)
	viper.SetDefault("fetch.maxtimeouts", d.MaxConsecutiveTimeouts)
	viper.SetDefault("status.port", d.StatusPort)
	viper.SetDefault("metrics.address", d.MetricsAddress)
	viper.SetDefault("output.basepath", d.OutputBasePath)
	viper.SetDefault("database.enabled", d.DatabaseEnabled)
}

// LoadSettings reads the settings from viper and checks them.
func LoadSettings() (Settings, error) {
	s := Settings{
		FetchTimeout:           viper.GetDuration("fetch.timeout"),
		FetchMaxCount:          viper.GetInt("fetch.maxcount"),
		HighWater:              viper.GetFloat64("fetch.highwater"),
		MaxConsecutiveTimeouts: viper.GetInt("fetch.maxtimeouts"),
		StatusPort:             viper.GetInt("status.port"),
		MetricsAddress:         viper.GetString("metrics.address"),
		OutputBasePath:         viper.GetString("output.basepath"),
		DatabaseEnabled:        viper.GetBool("database.enabled"),
	}
	return s, s.Validate()
}

// Validate checks the settings for values the fetch loops cannot work with.
func (s Settings) Validate() error {
	if s.FetchTimeout <= 0 {
		return fmt.Errorf("fetch.timeout %v must be positive", s.FetchTimeout)
	}
	if s.FetchMaxCount <= 0 {
		return fmt.Errorf("fetch.maxcount %d must be positive", s.FetchMaxCount)
	}
	if s.HighWater <= 0 || s.HighWater > 1 {
		return fmt.Errorf("fetch.highwater %v must be in (0, 1]", s.HighWater)
	}
	if s.MaxConsecutiveTimeouts < 0 {
		return fmt.Errorf("fetch.maxtimeouts %d is negative", s.MaxConsecutiveTimeouts)
	}
	return nil
}
