package models

import "time"

// RevisionUnknown is recorded when the version-control adapter cannot
// resolve the current revision. Checkpoint writes never fail on VCS
// unavailability.
const RevisionUnknown = "unknown"

// StageCheckpoint is the resumable snapshot for one pipeline stage.
// Exactly one exists per (run, stage); every save fully overwrites the
// prior snapshot.
type StageCheckpoint struct {
	Stage         string    `json:"stage"`
	Iteration     int       `json:"iteration"`
	Revision      string    `json:"revision"`
	ModifiedFiles []string  `json:"modified_files,omitempty"`
	TestsPassing  bool      `json:"tests_passing"`
	LoopState     string    `json:"loop_state,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// BuildContext is the companion record to a StageCheckpoint: the situational
// memory a resumed agent needs to continue where the prior attempt stopped.
type BuildContext struct {
	Stage          string   `json:"stage"`
	Goal           string   `json:"goal,omitempty"`
	Findings       []string `json:"findings,omitempty"`
	ModifiedFiles  []string `json:"modified_files,omitempty"`
	LastTestOutput string   `json:"last_test_output,omitempty"`
	Iteration      int      `json:"iteration"`
	Status         string   `json:"status,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
