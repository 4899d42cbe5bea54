// persist.go
package diffuse

import (
	"encoding/json"
	"fmt"
	"os"
)

// sampleLogFile is the on-disk form of a SampleLog.
type sampleLogFile struct {
	ID           string    `json:"id"`
	HistoryShape []int     `json:"history_shape,omitempty"`
	History      []float64 `json:"history,omitempty"`
	LogP         []float64 `json:"logp,omitempty"`
}

// Save writes the run record to a JSON file.
func (l *SampleLog) Save(filename string) error {
	f := sampleLogFile{ID: l.ID, LogP: l.LogP}
	if l.History != nil {
		f.HistoryShape = l.History.Shape
		f.History = l.History.Data
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal sample log: %v", err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write sample log to file: %v", err)
	}
	return nil
}

// LoadSampleLog reads a run record back from a JSON file.
func LoadSampleLog(filename string) (*SampleLog, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample log from file: %v", err)
	}
	var f sampleLogFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sample log: %v", err)
	}
	log := &SampleLog{ID: f.ID, LogP: f.LogP}
	if len(f.HistoryShape) > 0 {
		size := 1
		for _, s := range f.HistoryShape {
			size *= s
		}
		if len(f.History) != size {
			return nil, fmt.Errorf("mismatched history size: shape %v wants %d values, got %d",
				f.HistoryShape, size, len(f.History))
		}
		log.History = TensorFrom(f.History, f.HistoryShape...)
	}
	return log, nil
}
