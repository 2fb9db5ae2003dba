package sequencer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	natomic "github.com/natefinch/atomic"
)

// sequencerState is the persisted form: {node_id, next_seq}.
type sequencerState struct {
	NodeID  string `json:"node_id"`
	NextSeq uint64 `json:"next_seq"`
}

// FileStore persists SequencerState to a single file using
// write-then-rename (github.com/natefinch/atomic), so that a crash
// mid-write never leaves a torn state file behind.
type FileStore struct {
	mu     sync.Mutex
	path   string
	nodeID string
}

// NewFileStore creates a FileStore for nodeID at path.
func NewFileStore(path, nodeID string) *FileStore {
	return &FileStore{path: path, nodeID: nodeID}
}

func (f *FileStore) Load() (uint64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("sequencer filestore: reading %s: %w", f.path, err)
	}
	var st sequencerState
	if err := json.Unmarshal(b, &st); err != nil {
		return 0, false, fmt.Errorf("sequencer filestore: parsing %s: %w", f.path, err)
	}
	if st.NodeID != f.nodeID {
		return 0, false, fmt.Errorf("sequencer filestore: %s holds state for node %q, want %q", f.path, st.NodeID, f.nodeID)
	}
	return st.NextSeq, true, nil
}

func (f *FileStore) Save(nextSeq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	b, err := json.Marshal(sequencerState{NodeID: f.nodeID, NextSeq: nextSeq})
	if err != nil {
		return fmt.Errorf("sequencer filestore: marshaling state: %w", err)
	}
	if err := natomic.WriteFile(f.path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("sequencer filestore: atomic write to %s: %w", f.path, err)
	}
	return nil
}
