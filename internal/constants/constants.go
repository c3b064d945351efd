package constants

import "time"

const (
	VoteWindow = 60 * time.Second
	PickWindow = 60 * time.Second
)

const (
	ReconcileInterval = 30 * time.Second
	IdleSweepInterval = 5 * time.Minute
	QueueIdleTimeout  = 60 * time.Minute
)

const (
	DatabaseTimeout = 5 * time.Second
	RequestTimeout  = 30 * time.Second
	WebhookTimeout  = 10 * time.Second
	RanksyncTimeout = 5 * time.Second
)

const (
	DBMaxOpenConns    = 100
	DBMaxIdleConns    = 10
	DBConnMaxLifetime = 1 * time.Hour
	DBMaxIdleTime     = 10 * time.Minute
)

const (
	ShutdownTimeout = 5 * time.Second
)

const (
	MatchIDLength = 8
	EventBuffer   = 256
)

const (
	DefaultLeaderboardLimit = 20
	MaxLeaderboardLimit     = 100
)
