// Package tokenstore manages the opaque bearer tokens the gateway issues
// to downstream clients, persisted as a single JSON document.
package tokenstore

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/mazen160/go-random"

	"github.com/catdevnull/docialsata/lib/jsondoc"
)

const tokenLength = 32

var ErrUnknownToken = fmt.Errorf("unknown token")

type Token struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Value     string `json:"value"`
	CreatedAt int64  `json:"created_at"`
	LastUsed  int64  `json:"last_used,omitempty"`
}

type Store struct {
	mu   sync.Mutex
	file *jsondoc.File[[]Token]
	list []Token
}

func Open(path string) (*Store, error) {
	file := jsondoc.New[[]Token](path)
	list, err := file.Load()
	if err != nil {
		return nil, err
	}
	return &Store{file: file, list: list}, nil
}

// Issue mints a new named token.
func (s *Store) Issue(name string) (Token, error) {
	id, err := gonanoid.New()
	if err != nil {
		return Token{}, err
	}
	value, err := random.String(tokenLength)
	if err != nil {
		return Token{}, err
	}
	token := Token{
		ID:        id,
		Name:      name,
		Value:     value,
		CreatedAt: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = append(s.list, token)
	return token, s.file.Save(s.list)
}

// Validate reports whether a presented bearer value belongs to an issued
// token.
func (s *Store) Validate(value string) bool {
	if value == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].Value == value {
			return true
		}
	}
	return false
}

// Touch records that a token was just used.
func (s *Store) Touch(value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].Value == value {
			s.list[i].LastUsed = time.Now().UnixMilli()
			return s.file.Save(s.list)
		}
	}
	return ErrUnknownToken
}

func (s *Store) List() []Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Token, len(s.list))
	copy(out, s.list)
	return out
}

// Revoke removes a token by id.
func (s *Store) Revoke(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == id {
			s.list = append(s.list[:i], s.list[i+1:]...)
			return true, s.file.Save(s.list)
		}
	}
	return false, nil
}
