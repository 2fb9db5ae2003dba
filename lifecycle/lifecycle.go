// Copyright 2026 The MerkleKV Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package lifecycle gives components an explicit input for platform
// lifecycle transitions instead of a global singleton (spec.md §9's
// redesign guidance: "expose an explicit handle_app_state(state) input to
// the transport collaborator rather than a global singleton").
package lifecycle

// AppState is the coarse lifecycle state of the host process/app.
type AppState int

const (
	// Foreground: the app is active; background work (outbox drain,
	// anti-entropy) should run at full cadence.
	Foreground AppState = iota
	// Background: the app is suspended but not terminating; background
	// work should throttle or pause.
	Background
	// Terminating: the process is shutting down; components should flush
	// what they can and stop scheduling new work.
	Terminating
)

func (s AppState) String() string {
	switch s {
	case Foreground:
		return "foreground"
	case Background:
		return "background"
	case Terminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// Aware is implemented by components that need to react to app state
// transitions (the Event Publisher's drain loop, the Anti-Entropy
// scheduler).
type Aware interface {
	HandleAppState(state AppState)
}
