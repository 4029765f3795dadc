// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Cradle Contributors

package extension

// State is an entry's position in the lifecycle:
//
//	REGISTERED -> INITIALIZED -> STARTED <-> STOPPED -> UNLOADED
//
// Stop returns to STOPPED, from which Start is legal again. Unload is
// legal from any state and is terminal. StateError marks an entry whose
// load or transition hook failed; only Unload leads out of it.
type State int

const (
	StateRegistered State = iota
	StateInitialized
	StateStarted
	StateStopped
	StateUnloaded
	StateError
)

var stateNames = map[State]string{
	StateRegistered:  "REGISTERED",
	StateInitialized: "INITIALIZED",
	StateStarted:     "STARTED",
	StateStopped:     "STOPPED",
	StateUnloaded:    "UNLOADED",
	StateError:       "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}
