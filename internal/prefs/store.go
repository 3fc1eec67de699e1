package prefs

import (
	"fmt"
	"sync"

	"notifyd/internal/model"
)

// Snapshot is an immutable, indexed view of one document version.
type Snapshot struct {
	version uint64
	doc     Document

	users  map[string]model.User
	prefs  map[string]model.PersonalPreference
	rules  map[model.NotificationType]model.TypeRule
	groups map[string]model.Group
}

func newSnapshot(doc Document, version uint64) *Snapshot {
	s := &Snapshot{
		version: version,
		doc:     doc,
		users:   make(map[string]model.User, len(doc.Users)),
		prefs:   make(map[string]model.PersonalPreference, len(doc.Preferences)),
		rules:   make(map[model.NotificationType]model.TypeRule, len(doc.TypeRules)),
		groups:  make(map[string]model.Group, len(doc.Groups)),
	}
	for _, u := range doc.Users {
		s.users[u.ID] = u
	}
	for _, p := range doc.Preferences {
		s.prefs[p.UserID] = p
	}
	for _, r := range doc.TypeRules {
		s.rules[r.Type] = r
	}
	for _, g := range doc.Groups {
		s.groups[g.ID] = g
	}
	return s
}

// Version increases by one with every accepted write.
func (s *Snapshot) Version() uint64 { return s.version }

func (s *Snapshot) User(id string) (model.User, bool) {
	u, ok := s.users[id]
	return u, ok
}

func (s *Snapshot) Preference(userID string) (model.PersonalPreference, bool) {
	p, ok := s.prefs[userID]
	return p, ok
}

func (s *Snapshot) Rule(t model.NotificationType) (model.TypeRule, bool) {
	r, ok := s.rules[t]
	return r, ok
}

func (s *Snapshot) Group(id string) (model.Group, bool) {
	g, ok := s.groups[id]
	return g, ok
}

// Document returns a deep copy of the snapshot's document.
func (s *Snapshot) Document() Document { return normalize(s.doc) }

// Store is the read-mostly preference store.
//
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{snap: newSnapshot(normalize(Document{}), 0)}
}

// Snapshot returns the current version. Callers must not mutate it.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Import validates doc and replaces the whole store with it. A rejected
// document leaves the store untouched and returns an *ImportError.
func (s *Store) Import(doc Document) error {
	if err := Validate(doc); err != nil {
		return err
	}
	doc = normalize(doc)
	s.mu.Lock()
	s.snap = newSnapshot(doc, s.snap.version+1)
	s.mu.Unlock()
	return nil
}

// Export returns a lossless copy of the current document.
func (s *Store) Export() Document { return s.Snapshot().Document() }

// update applies fn to a copy of the current document, validates the result
// and swaps it in. Concurrent writers are serialized.
func (s *Store) update(fn func(doc *Document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := normalize(s.snap.doc)
	fn(&doc)
	doc = normalize(doc)
	if err := Validate(doc); err != nil {
		return err
	}
	s.snap = newSnapshot(doc, s.snap.version+1)
	return nil
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u model.User) error {
	return s.update(func(doc *Document) {
		for i := range doc.Users {
			if doc.Users[i].ID == u.ID {
				doc.Users[i] = u
				return
			}
		}
		doc.Users = append(doc.Users, u)
	})
}

// SetPreference overwrites the personal preference of an existing user.
// Preferences are never deleted.
func (s *Store) SetPreference(p model.PersonalPreference) error {
	if _, ok := s.Snapshot().User(p.UserID); !ok {
		return fmt.Errorf("%w: %q", model.ErrUnknownUser, p.UserID)
	}
	p = clonePreference(p)
	return s.update(func(doc *Document) {
		for i := range doc.Preferences {
			if doc.Preferences[i].UserID == p.UserID {
				doc.Preferences[i] = p
				return
			}
		}
		doc.Preferences = append(doc.Preferences, p)
	})
}

// SetTypeRule inserts or replaces the rule for r.Type. Only future events see it.
func (s *Store) SetTypeRule(r model.TypeRule) error {
	if !r.Type.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidType, r.Type)
	}
	return s.update(func(doc *Document) {
		for i := range doc.TypeRules {
			if doc.TypeRules[i].Type == r.Type {
				doc.TypeRules[i] = r
				return
			}
		}
		doc.TypeRules = append(doc.TypeRules, r)
	})
}

// PutGroup inserts or replaces a group.
func (s *Store) PutGroup(g model.Group) error {
	g = cloneGroup(g)
	return s.update(func(doc *Document) {
		for i := range doc.Groups {
			if doc.Groups[i].ID == g.ID {
				doc.Groups[i] = g
				return
			}
		}
		doc.Groups = append(doc.Groups, g)
	})
}
