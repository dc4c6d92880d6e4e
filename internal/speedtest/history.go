package speedtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Trim by age and count so the history file stays small and readable.
const (
	historyMaxRecords = 500
	historyMaxAge     = 90 * 24 * time.Hour
)

func (s *Service) append(r Result) error {
	if s.cfg.HistoryFile == "" {
		return nil
	}

	s.histMu.Lock()
	defer s.histMu.Unlock()

	results, err := s.readHistory()
	if err != nil {
		return err
	}
	results = append(results, r)
	return s.writeHistory(results)
}

func (s *Service) readHistory() ([]Result, error) {
	data, err := os.ReadFile(s.cfg.HistoryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return []Result{}, nil
		}
		return nil, fmt.Errorf("read history file: %w", err)
	}
	if len(data) == 0 {
		return []Result{}, nil
	}

	var results []Result
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return compactHistory(results), nil
}

func (s *Service) writeHistory(results []Result) error {
	results = compactHistory(results)

	if dir := filepath.Dir(s.cfg.HistoryFile); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(s.cfg.HistoryFile, data, 0o644); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	return nil
}

func compactHistory(results []Result) []Result {
	if len(results) == 0 {
		return results
	}

	cutoff := time.Now().Add(-historyMaxAge)
	filtered := make([]Result, 0, len(results))
	for _, r := range results {
		if r.Timestamp.IsZero() || r.Timestamp.Before(cutoff) {
			continue
		}
		filtered = append(filtered, r)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Timestamp.Before(filtered[j].Timestamp)
	})
	if len(filtered) > historyMaxRecords {
		filtered = filtered[len(filtered)-historyMaxRecords:]
	}
	return filtered
}
