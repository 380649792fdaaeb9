// Package template manages the post templates jobs reference by id.
// Templates are resolved at enqueue time, so editing a template changes
// what future runs post without touching the job.
package template

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groupcast/groupcast/internal/store"
)

const collection = "templates"

// Template is the content a job broadcasts to its targets.
type Template struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Content    string    `json:"content"`
	Images     []string  `json:"images,omitempty"` // local file paths or URLs
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Manager provides thread-safe template CRUD mirrored to the store.
type Manager struct {
	store     *store.Store
	templates map[string]Template
	mu        sync.RWMutex
}

// NewManager creates a Manager and loads persisted templates.
func NewManager(s *store.Store) (*Manager, error) {
	m := &Manager{
		store:     s,
		templates: make(map[string]Template),
	}
	if err := s.Load(collection, &m.templates); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return m, nil
}

// Create adds a new template and returns its id.
func (m *Manager) Create(name, content string, images []string) (string, error) {
	now := time.Now()
	t := Template{
		ID:         uuid.New().String(),
		Name:       name,
		Content:    content,
		Images:     images,
		CreatedAt:  now,
		ModifiedAt: now,
	}

	m.mu.Lock()
	m.templates[t.ID] = t
	err := m.saveLocked()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Update replaces the name/content/images of an existing template.
func (m *Manager) Update(id, name, content string, images []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.templates[id]
	if !ok {
		return fmt.Errorf("template not found: %s", id)
	}
	if name != "" {
		t.Name = name
	}
	if content != "" {
		t.Content = content
	}
	if images != nil {
		t.Images = images
	}
	t.ModifiedAt = time.Now()
	m.templates[id] = t
	return m.saveLocked()
}

// Delete removes a template. Jobs referencing it skip their runs until
// repointed at an existing template.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.templates[id]; !ok {
		return fmt.Errorf("template not found: %s", id)
	}
	delete(m.templates, id)
	return m.saveLocked()
}

// Get returns a template by id.
func (m *Manager) Get(id string) (Template, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	return t, ok
}

// List returns all templates sorted by creation time.
func (m *Manager) List() []Template {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *Manager) saveLocked() error {
	if err := m.store.Save(collection, m.templates); err != nil {
		return fmt.Errorf("persist templates: %w", err)
	}
	return nil
}
