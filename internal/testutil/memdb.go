// Package testutil holds in-memory fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	db "github.com/markdave123-py/docchat/internal/core/database"
	"github.com/markdave123-py/docchat/internal/models"
)

// MemDB is an in-memory db.DbClient seeded with the embedded RBAC document.
// Multi-row writes are all-or-nothing like their SQL counterparts.
type MemDB struct {
	mu sync.Mutex

	users    map[string]models.User
	profiles map[string]models.Profile
	roles    map[int64]models.Role
	grants   map[int64][]models.Permission
	tokens   map[int64]models.ResetToken
	docs     map[string]models.Document
	chunks   []models.FileChunk
	nextTok  int64

	// FailProfileInsert makes CreateUserWithProfile fail after the user row.
	FailProfileInsert bool
}

var _ db.DbClient = (*MemDB)(nil)

func NewMemDB(t testing.TB) *MemDB {
	t.Helper()
	seed, err := db.LoadSeed()
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	m := &MemDB{
		users:    map[string]models.User{},
		profiles: map[string]models.Profile{},
		roles:    map[int64]models.Role{},
		grants:   map[int64][]models.Permission{},
		tokens:   map[int64]models.ResetToken{},
		docs:     map[string]models.Document{},
	}
	permIDs := map[string]int64{}
	for i, p := range seed.Permissions {
		permIDs[p] = int64(i + 1)
	}
	for _, r := range seed.Roles {
		m.roles[r.ID] = models.Role{ID: r.ID, Name: r.Name}
		for _, p := range r.Permissions {
			m.grants[r.ID] = append(m.grants[r.ID], models.Permission{ID: permIDs[p], Name: p})
		}
	}
	return m
}

// DropRole removes a role, simulating a dangling role reference.
func (m *MemDB) DropRole(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, id)
	delete(m.grants, id)
}

// UserCount returns the number of stored users.
func (m *MemDB) UserCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users)
}

// TokensFor returns the reset tokens held by userID.
func (m *MemDB) TokensFor(userID string) []models.ResetToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ResetToken
	for _, t := range m.tokens {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

// Chunks returns the stored chunks of a document ordered by position.
func (m *MemDB) Chunks(documentID string) []models.FileChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FileChunk
	for _, c := range m.chunks {
		if c.DocumentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (m *MemDB) CreateUserWithProfile(_ context.Context, user *models.User, profile *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == user.Email {
			return db.ErrDuplicate
		}
	}
	if _, ok := m.roles[user.RoleID]; !ok {
		return errors.New("foreign key violation: role")
	}
	if m.FailProfileInsert {
		return errors.New("profile insert failed")
	}
	m.users[user.ID] = *user
	p := *profile
	p.UserID = user.ID
	m.profiles[user.ID] = p
	return nil
}

func (m *MemDB) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			u := u
			return &u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MemDB) GetUserByID(_ context.Context, id string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &u, nil
}

func (m *MemDB) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &p, nil
}

func (m *MemDB) DeleteUser(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.users, id)
	delete(m.profiles, id)
	for tid, t := range m.tokens {
		if t.UserID == id {
			delete(m.tokens, tid)
		}
	}
	for did, d := range m.docs {
		if d.UserID == id {
			m.deleteDocumentLocked(did)
		}
	}
	return nil
}

func (m *MemDB) GetRoleByID(_ context.Context, id int64) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &r, nil
}

func (m *MemDB) GetRoleByName(_ context.Context, name string) (*models.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			r := r
			return &r, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MemDB) ListRolePermissions(_ context.Context, roleID int64) ([]models.Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Permission(nil), m.grants[roleID]...), nil
}

func (m *MemDB) ReplaceResetToken(_ context.Context, tok *models.ResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.tokens {
		if t.UserID == tok.UserID {
			delete(m.tokens, id)
		}
	}
	m.nextTok++
	tok.ID = m.nextTok
	m.tokens[tok.ID] = *tok
	return nil
}

func (m *MemDB) GetResetToken(_ context.Context, token string) (*models.ResetToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.Token == token {
			t := t
			return &t, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *MemDB) DeleteResetToken(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, id)
	return nil
}

func (m *MemDB) ResetPassword(_ context.Context, userID, passwordHash string, tokenID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return db.ErrNotFound
	}
	if _, ok := m.tokens[tokenID]; !ok {
		return db.ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = at
	m.users[userID] = u
	delete(m.tokens, tokenID)
	return nil
}

func (m *MemDB) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return db.ErrDuplicate
	}
	m.docs[doc.ID] = *doc
	return nil
}

func (m *MemDB) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &d, nil
}

func (m *MemDB) ListDocumentsByUser(_ context.Context, userID string) ([]models.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Document
	for _, d := range m.docs {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

func (m *MemDB) UpdateDocumentStatus(_ context.Context, id string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return db.ErrNotFound
	}
	d.Status = status
	m.docs[id] = d
	return nil
}

func (m *MemDB) DeleteDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[id]; !ok {
		return db.ErrNotFound
	}
	m.deleteDocumentLocked(id)
	return nil
}

func (m *MemDB) deleteDocumentLocked(id string) {
	delete(m.docs, id)
	kept := m.chunks[:0]
	for _, c := range m.chunks {
		if c.DocumentID != id {
			kept = append(kept, c)
		}
	}
	m.chunks = kept
}

func (m *MemDB) InsertFileChunks(_ context.Context, chunks []models.FileChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		if _, ok := m.docs[c.DocumentID]; !ok {
			return errors.New("foreign key violation: document")
		}
	}
	base := int64(len(m.chunks))
	for i, c := range chunks {
		c.ID = base + int64(i) + 1
		m.chunks = append(m.chunks, c)
	}
	return nil
}

func (m *MemDB) Close() error { return nil }
