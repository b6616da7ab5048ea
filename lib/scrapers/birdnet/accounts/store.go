package accounts

import (
	"fmt"
	"sync"

	"github.com/catdevnull/docialsata/lib/jsondoc"
)

var ErrUnknownAccount = fmt.Errorf("unknown account")

// Store is the JSON-backed account list. Mutations are serialized through
// an internal mutex and persisted synchronously; a crash between mutations
// may lose the latest single update but never corrupts the list.
type Store struct {
	mu   sync.Mutex
	file *jsondoc.File[[]Account]
	list []Account
}

func OpenStore(path string) (*Store, error) {
	file := jsondoc.New[[]Account](path)
	list, err := file.Load()
	if err != nil {
		return nil, err
	}
	return &Store{file: file, list: list}, nil
}

func (s *Store) persistLocked() error {
	return s.file.Save(s.list)
}

func (s *Store) indexLocked(username string) int {
	for i := range s.list {
		if s.list[i].Username == username {
			return i
		}
	}
	return -1
}

// Add inserts new records, idempotent by username. Returns the number of
// records that were actually new.
func (s *Store) Add(records []Credential) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, cred := range records {
		if cred.Username == "" {
			continue
		}
		if s.indexLocked(cred.Username) >= 0 {
			continue
		}
		s.list = append(s.list, Account{
			Credential: cred,
			TokenState: TokenStateUnknown,
		})
		added++
	}
	if added == 0 {
		return 0, nil
	}
	return added, s.persistLocked()
}

func (s *Store) Delete(username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(username)
	if i < 0 {
		return false, nil
	}
	s.list = append(s.list[:i], s.list[i+1:]...)
	return true, s.persistLocked()
}

// Snapshot returns a copy of every account.
func (s *Store) Snapshot() []Account {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Account, len(s.list))
	copy(out, s.list)
	return out
}

func (s *Store) Get(username string) (Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(username)
	if i < 0 {
		return Account{}, false
	}
	return s.list[i], true
}

// Update runs a load-mutate-persist cycle on one account.
func (s *Store) Update(username string, mutate func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(username)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, username)
	}
	mutate(&s.list[i])
	return s.persistLocked()
}

// UpdateAll mutates every account in a single persisted write.
func (s *Store) UpdateAll(mutate func(*Account)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.list {
		mutate(&s.list[i])
	}
	return s.persistLocked()
}
