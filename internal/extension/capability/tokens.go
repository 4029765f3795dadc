// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package capability

// Host-surface tokens. Every host function an extension can reach is
// guarded by exactly one of these, or by an invoke token for action
// dispatch.
const (
	TokenStateRead       = "state.read"
	TokenStateWrite      = "state.write"
	TokenStateDelete     = "state.delete"
	TokenEventsPublish   = "events.publish"
	TokenEventsSubscribe = "events.subscribe"
)

// InvokeToken returns the token guarding dispatch of one action.
func InvokeToken(action string) string {
	return "invoke." + action
}
