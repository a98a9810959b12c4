package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrIdentityNotFound indicates no identity has been persisted yet.
	ErrIdentityNotFound = errors.New("viewer identity not found")
	// ErrInvalidIdentity indicates a registration without a display name.
	ErrInvalidIdentity = errors.New("viewer identity requires a name")
)

// Identity is the optional display identity a viewer registers before commenting.
type Identity struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
}

// IdentityRecord is the persisted form of a viewing session.
type IdentityRecord struct {
	ViewerID string    `json:"viewer_id"`
	Identity *Identity `json:"identity,omitempty"`
}

// IdentityStore persists the viewer record across restarts.
type IdentityStore interface {
	Load() (IdentityRecord, error)
	Save(IdentityRecord) error
}

// FileIdentityStore keeps the identity record in a JSON file.
type FileIdentityStore struct {
	path string
	mu   sync.Mutex
}

// NewFileIdentityStore returns a store backed by the file at path.
func NewFileIdentityStore(path string) (*FileIdentityStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("identity file path is required")
	}
	return &FileIdentityStore{path: path}, nil
}

// Load reads the record, returning ErrIdentityNotFound when the file is absent.
func (s *FileIdentityStore) Load() (IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return IdentityRecord{}, ErrIdentityNotFound
	}
	if err != nil {
		return IdentityRecord{}, fmt.Errorf("viewer: read identity: %w", err)
	}
	var record IdentityRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return IdentityRecord{}, fmt.Errorf("viewer: decode identity: %w", err)
	}
	return record, nil
}

// Save writes the record atomically through a temporary file.
func (s *FileIdentityStore) Save(record IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("viewer: encode identity: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("viewer: create identity dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".identity-*")
	if err != nil {
		return fmt.Errorf("viewer: create identity temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("viewer: write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("viewer: close identity: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("viewer: replace identity: %w", err)
	}
	return nil
}

// MemoryIdentityStore keeps the record in process memory.
type MemoryIdentityStore struct {
	mu     sync.Mutex
	record *IdentityRecord
}

// Load returns the saved record or ErrIdentityNotFound.
func (s *MemoryIdentityStore) Load() (IdentityRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return IdentityRecord{}, ErrIdentityNotFound
	}
	return *s.record, nil
}

// Save replaces the stored record.
func (s *MemoryIdentityStore) Save(record IdentityRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record = &record
	return nil
}

// Session is the explicit viewing-session object handed to the poller.
// The viewer id is minted once and survives reloads through the store.
type Session struct {
	store IdentityStore

	mu       sync.RWMutex
	viewerID string
	identity *Identity
}

// NewSession loads the persisted record or mints a new viewer id.
// newID defaults to uuid.NewString.
func NewSession(store IdentityStore, newID func() string) (*Session, error) {
	if store == nil {
		return nil, errors.New("identity store is required")
	}
	if newID == nil {
		newID = uuid.NewString
	}
	record, err := store.Load()
	switch {
	case errors.Is(err, ErrIdentityNotFound):
		record = IdentityRecord{}
	case err != nil:
		return nil, err
	}
	if strings.TrimSpace(record.ViewerID) == "" {
		record.ViewerID = newID()
		if err := store.Save(record); err != nil {
			return nil, err
		}
	}
	return &Session{store: store, viewerID: record.ViewerID, identity: record.Identity}, nil
}

// ViewerID returns the durable viewer identifier.
func (s *Session) ViewerID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewerID
}

// Identity returns the registered identity, if any.
func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.identity == nil {
		return Identity{}, false
	}
	return *s.identity, true
}

// Register saves a display identity for future comments.
func (s *Session) Register(identity Identity) error {
	identity.Name = strings.TrimSpace(identity.Name)
	identity.Contact = strings.TrimSpace(identity.Contact)
	if identity.Name == "" {
		return ErrInvalidIdentity
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.Save(IdentityRecord{ViewerID: s.viewerID, Identity: &identity}); err != nil {
		return err
	}
	s.identity = &identity
	return nil
}
