// Package features carries the workflow conveniences layered on top of
// the core model: folder organization, portable import/export bundles,
// and the journal-driven execution replay view.
package features

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Folder is a UI-organizational grouping for workflows. Folders nest;
// a workflow references at most one folder through its folder_id.
type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	ParentID  *string   `json:"parentId,omitempty"`
	UserID    string    `json:"userId"`
	Color     string    `json:"color,omitempty"`
	Depth     int       `json:"depth"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ErrFolderNotFound is returned for missing folder ids.
var ErrFolderNotFound = errors.New("folder not found")

// maxFolderDepth bounds nesting so a cycle bug cannot walk forever.
const maxFolderDepth = 10

// FolderRepository defines folder persistence.
type FolderRepository interface {
	Create(ctx context.Context, folder *Folder) error
	FindByID(ctx context.Context, id string) (*Folder, error)
	Update(ctx context.Context, folder *Folder) error
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*Folder, error)
}

// FolderService manages the folder tree.
type FolderService struct {
	repo FolderRepository
}

func NewFolderService(repo FolderRepository) *FolderService {
	return &FolderService{repo: repo}
}

// CreateFolder creates a folder, optionally nested under parentID.
func (s *FolderService) CreateFolder(ctx context.Context, userID, name string, parentID *string) (*Folder, error) {
	if name == "" {
		return nil, errors.New("folder name is required")
	}

	depth := 0
	if parentID != nil {
		parent, err := s.repo.FindByID(ctx, *parentID)
		if err != nil {
			return nil, fmt.Errorf("parent folder: %w", err)
		}
		if parent.UserID != userID {
			return nil, errors.New("parent folder belongs to another user")
		}
		depth = parent.Depth + 1
		if depth > maxFolderDepth {
			return nil, fmt.Errorf("folder nesting exceeds %d levels", maxFolderDepth)
		}
	}

	now := time.Now()
	folder := &Folder{
		ID:        uuid.New().String(),
		Name:      name,
		ParentID:  parentID,
		UserID:    userID,
		Depth:     depth,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// RenameFolder changes a folder's display name.
func (s *FolderService) RenameFolder(ctx context.Context, id, name string) (*Folder, error) {
	folder, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	folder.Name = name
	folder.UpdatedAt = time.Now()
	if err := s.repo.Update(ctx, folder); err != nil {
		return nil, err
	}
	return folder, nil
}

// DeleteFolder removes a folder. Workflows referencing it keep a
// dangling folder_id the caller is expected to clear.
func (s *FolderService) DeleteFolder(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// ListFolders returns a user's folders.
func (s *FolderService) ListFolders(ctx context.Context, userID string) ([]*Folder, error) {
	return s.repo.ListByUser(ctx, userID)
}

// InMemoryFolderRepository is a process-local FolderRepository.
type InMemoryFolderRepository struct {
	mu      sync.RWMutex
	folders map[string]*Folder
}

func NewInMemoryFolderRepository() *InMemoryFolderRepository {
	return &InMemoryFolderRepository{folders: make(map[string]*Folder)}
}

func (r *InMemoryFolderRepository) Create(ctx context.Context, folder *Folder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *folder
	r.folders[folder.ID] = &cp
	return nil
}

func (r *InMemoryFolderRepository) FindByID(ctx context.Context, id string) (*Folder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.folders[id]
	if !ok {
		return nil, ErrFolderNotFound
	}
	cp := *f
	return &cp, nil
}

func (r *InMemoryFolderRepository) Update(ctx context.Context, folder *Folder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.folders[folder.ID]; !ok {
		return ErrFolderNotFound
	}
	cp := *folder
	r.folders[folder.ID] = &cp
	return nil
}

func (r *InMemoryFolderRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.folders[id]; !ok {
		return ErrFolderNotFound
	}
	delete(r.folders, id)
	return nil
}

func (r *InMemoryFolderRepository) ListByUser(ctx context.Context, userID string) ([]*Folder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Folder
	for _, f := range r.folders {
		if f.UserID == userID {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}
