package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore persists the rules document as a JSON array on disk. Writes are
// atomic (temp file + rename) so a crash never leaves a half-written
// document behind.
type FileStore struct {
	path string
}

// NewFileStore builds a FileStore rooted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads and decodes the rules document. A missing file yields an empty
// collection; a payload that is not a JSON array yields ErrCorrupted.
func (s *FileStore) Load(_ context.Context) ([]Rule, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	return DecodeDocument(payload)
}

// Save writes the rules document atomically.
func (s *FileStore) Save(_ context.Context, rules []Rule) error {
	if rules == nil {
		rules = []Rule{}
	}
	payload, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rules: %w", err)
	}

	dir := filepath.Dir(s.path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create rules dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".rules-*.json")
	if err != nil {
		return fmt.Errorf("create temp rules file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return fmt.Errorf("write rules file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close rules file: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace rules file: %w", err)
	}
	return nil
}

// DecodeDocument decodes a persisted rules payload, reporting ErrCorrupted
// when the payload is not a JSON array of rule records.
func DecodeDocument(payload []byte) ([]Rule, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] != '[' {
		return nil, fmt.Errorf("%w: expected a JSON array, got %q", ErrCorrupted, previewPayload(trimmed))
	}

	var rules []Rule
	if err := json.Unmarshal(trimmed, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupted, err)
	}
	return rules, nil
}

func previewPayload(payload []byte) string {
	const max = 32
	if len(payload) > max {
		payload = payload[:max]
	}
	return string(payload)
}

var _ DocStore = (*FileStore)(nil)
