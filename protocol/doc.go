// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package protocol implements the MTA policy delegation wire format:
// requests are "name=value" lines closed by an empty line, and every request
// is answered with a single "action=<VERDICT> [message]" line followed by an
// empty line.
package protocol
