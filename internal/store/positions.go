package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"prediction-arb/pkg/types"
)

// PositionStore persists open positions as one JSON file per position:
// pos_<platform>_<market>.json. Writes use atomic replacement (write to
// .tmp, then rename) so a crash mid-save never leaves a corrupt file. The
// engine saves after each confirmed open, removes on close, and loads all
// on startup to re-seed the risk manager.
type PositionStore struct {
	dir    string
	logger *slog.Logger
	mu     sync.Mutex // serializes all file operations
}

// OpenPositions creates a position store backed by the given directory.
func OpenPositions(dir string, logger *slog.Logger) (*PositionStore, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create positions dir: %w", err)
	}
	return &PositionStore{dir: dir, logger: logger.With("component", "positions")}, nil
}

// Save atomically persists one open position.
func (s *PositionStore) Save(pos types.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(pos)
	if err != nil {
		return fmt.Errorf("marshal position: %w", err)
	}

	path := s.path(pos.Platform, pos.MarketID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write position: %w", err)
	}
	return os.Rename(tmp, path)
}

// Remove deletes the persisted file for a closed position. Removing a
// position that was never saved is not an error.
func (s *PositionStore) Remove(platform types.Platform, marketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(platform, marketID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove position: %w", err)
	}
	return nil
}

// LoadAll reads every persisted position. Files that fail to parse are
// skipped with a warning so one corrupt file cannot block restart recovery.
func (s *PositionStore) LoadAll() ([]types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matches, err := filepath.Glob(filepath.Join(s.dir, "pos_*.json"))
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var positions []types.Position
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("read position file", "path", path, "error", err)
			continue
		}
		var pos types.Position
		if err := json.Unmarshal(data, &pos); err != nil {
			s.logger.Warn("corrupt position file skipped", "path", path, "error", err)
			continue
		}
		positions = append(positions, pos)
	}
	return positions, nil
}

func (s *PositionStore) path(platform types.Platform, marketID string) string {
	name := "pos_" + string(platform) + "_" + sanitizeMarketID(marketID) + ".json"
	return filepath.Join(s.dir, name)
}

// sanitizeMarketID makes a market ID safe for use in a filename.
func sanitizeMarketID(id string) string {
	r := strings.NewReplacer("/", "-", ":", "-", " ", "_")
	return r.Replace(id)
}
