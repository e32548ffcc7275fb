package daemon

import "time"

const (
	ClientDeadline     = 30 * time.Second
	DaemonStartTimeout = 5 * time.Second
	DaemonPollInterval = 100 * time.Millisecond

	// LockFileName guards the data directory against a second daemon.
	LockFileName = "daemon.lock"

	ReadModeNew    = "new"
	ReadModeAll    = "all"
	ReadModeScreen = "screen"
)
