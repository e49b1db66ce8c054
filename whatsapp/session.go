package whatsapp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"whatsapp-karl-bot/types"
)

// FilePairingStore implements PairingStore using a local JSON file
type FilePairingStore struct {
	Path string
}

// NewFilePairingStore creates a new file-based pairing store
func NewFilePairingStore(path string) *FilePairingStore {
	return &FilePairingStore{Path: path}
}

// Save overwrites the file with record. The write goes through a temp file so a
// reader never sees a half-written record.
func (s *FilePairingStore) Save(record types.PairingRecord) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return fmt.Errorf("create pairing log dir: %w", err)
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode pairing record: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write pairing log: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

// Load reads the last pairing record
func (s *FilePairingStore) Load() (types.PairingRecord, error) {
	var record types.PairingRecord
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return record, err
	}
	if err := json.Unmarshal(data, &record); err != nil {
		return record, fmt.Errorf("decode pairing log: %w", err)
	}
	return record, nil
}
