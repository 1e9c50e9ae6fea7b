package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/visitsync/internal/utils"
)

// Failure is the diagnostic written next to an errored item as <name>.error
type Failure struct {
	Timestamp  time.Time `json:"timestamp"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	Attempts   int       `json:"attempts,omitempty"`
	RemotePath string    `json:"remotePath,omitempty"`
}

func (f *Failure) String() string {
	return fmt.Sprintf("%s %s: %s", f.Timestamp.Format(time.RFC3339), f.Kind, f.Message)
}

func writeSidecar(path string, f *Failure) error {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar: %w", err)
	}
	return utils.WriteFileAtomic(path, data)
}

func readSidecar(path string) (*Failure, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f Failure
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", path, err)
	}
	return &f, nil
}
