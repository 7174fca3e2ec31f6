package postgres

// connErrorStrings identifies connectivity-related failures in error
// messages. SQL-level errors (constraint violations, syntax) must not
// trigger failover and are excluded.
var connErrorStrings = []string{
	"connection refused",
	"connection reset",
	"network is unreachable",
	"no such host",
	"timeout",
	"i/o timeout",
	"broken pipe",
	"closed pool",
	"conn closed",
	"server closed the connection",
	"terminating connection",
	"the database system is shutting down",
	"the database system is starting up",
}
