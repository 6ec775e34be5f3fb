// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package pipeline holds the ordered set of policy handlers and evaluates a
// request against it. Handlers run by ascending priority (registration order
// breaks ties); the first verdict other than DUNNO ends evaluation, and when
// every handler abstains the registry's default verdict is returned.
package pipeline
