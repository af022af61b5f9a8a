package system

var (
	// Version is the current version of the daemon, set at build time.
	Version = "develop"
)
