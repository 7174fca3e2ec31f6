package redis

// connErrorStrings identifies connectivity-related failures in error
// messages. Redis operational errors such as WRONGTYPE or NOSCRIPT are
// intentionally excluded; they must not trigger failover.
var connErrorStrings = []string{
	"connection refused",
	"connection timeout",
	"connection reset",
	"network is unreachable",
	"no such host",
	"timeout",
	"i/o timeout",
	"broken pipe",
	"connection pool exhausted",
	"use of closed network connection",
	"eof",
}
