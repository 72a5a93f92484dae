// Copyright (C) 2025 Tracegate Contributors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package correlator

// Outcome classifies what a hook call did. The host treats every
// outcome identically (the body is always returned), but logs and
// counters distinguish them.
type Outcome string

const (
	// OutcomeTraced means the turn was recorded (inlet: buffered or
	// noted; outlet: trace emitted and closed).
	OutcomeTraced Outcome = "traced"

	// OutcomeDisabled means tracing is off, either because no
	// credentials are configured or the last auth check failed.
	OutcomeDisabled Outcome = "disabled"

	// OutcomeMalformed means the body lacked the fields tracing needs
	// and was passed through untouched.
	OutcomeMalformed Outcome = "malformed"

	// OutcomeBackendError means the turn was processed but the backend
	// is failing deliveries; events remain queued for retry.
	OutcomeBackendError Outcome = "backend_error"
)

// Result is the outcome of one hook call.
type Result struct {
	Outcome Outcome
	ChatID  string
}
