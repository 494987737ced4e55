package adapter

import "time"

// Config configures the update adapter (long polling + replies).
type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org.
	APIURL      string
	PollTimeout time.Duration
}

// ClientConfig configures one delivery client.
//
// A client pointed at a local Bot API server (APIURL) can upload up to 2000 MB;
// the cloud endpoint is limited to 50 MB.
type ClientConfig struct {
	Name    string
	Token   string
	APIURL  string
	MaxSize int64
	// Ops lists supported operations ("text", "upload"). Empty means all.
	Ops       []string
	ParseMode string
	Timeout   time.Duration
	// RatePerSec <= 0 disables client-side throttling.
	RatePerSec float64
	Burst      int
}

const (
	CloudMaxSize int64 = 50 << 20
	LocalMaxSize int64 = 2000 << 20
)
