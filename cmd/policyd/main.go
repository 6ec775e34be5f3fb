// policyd is a Postfix policy delegation daemon.
//
// Usage:
//
//	# Start with a configuration file
//	policyd run --config /etc/policyd/policyd.yaml
//
//	# Reload the configuration when the file changes
//	policyd run --config policyd.yaml --watch
//
//	# Check a configuration file without starting
//	policyd check-config --config policyd.yaml
//
//	# Show version information
//	policyd version
//
// Sending SIGHUP to a running daemon reloads its configuration.
package main

import (
	_ "github.com/momentics/policyd/plugins/access"
	_ "github.com/momentics/policyd/plugins/bwl"
	_ "github.com/momentics/policyd/plugins/mquota"
	_ "github.com/momentics/policyd/plugins/rdns"
)

func main() {
	Execute()
}
