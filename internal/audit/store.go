package audit

import (
	"sync"

	"daytrader/pkg/conn"

	"github.com/yanun0323/errors"
)

// MemoryStore keeps records in memory; the default when no database
// is configured.
type MemoryStore struct {
	mu   sync.Mutex
	recs []Record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append stores a record.
func (s *MemoryStore) Append(rec Record) error {
	s.mu.Lock()
	rec.ID = uint64(len(s.recs) + 1)
	s.recs = append(s.recs, rec)
	s.mu.Unlock()
	return nil
}

// List returns records for a user, or all records when userID is empty.
func (s *MemoryStore) List(userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.recs))
	for _, r := range s.recs {
		if userID == "" || r.Username == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

// PGStore persists records to postgres through the shared connection
// client.
type PGStore struct {
	client *conn.Client
}

// NewPGStore migrates the audit table and returns the store.
func NewPGStore(client *conn.Client) (*PGStore, error) {
	if client == nil || client.DB() == nil {
		return nil, errors.New("nil postgres client")
	}
	if err := client.DB().AutoMigrate(&Record{}); err != nil {
		return nil, errors.Wrap(err, "migrate audit table")
	}
	return &PGStore{client: client}, nil
}

// Append inserts one record.
func (s *PGStore) Append(rec Record) error {
	return s.client.DB().Create(&rec).Error
}

// List returns records ordered by insertion.
func (s *PGStore) List(userID string) ([]Record, error) {
	var out []Record
	q := s.client.DB().Order("id asc")
	if userID != "" {
		q = q.Where("username = ?", userID)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
