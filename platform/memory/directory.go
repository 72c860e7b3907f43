// Package memory implements the platform directory against in-process maps.
// It backs tests and single-node development; production deployments point
// at the platform database instead.
package memory

import (
	"context"
	"docsync-server/core"
	"sync"

	"github.com/oklog/ulid/v2"
)

type membershipKey struct {
	workspaceID string
	userID      string
}

type Directory struct {
	mu          sync.RWMutex
	usersByExt  map[string]*core.User
	memberships map[membershipKey]*core.Membership
	files       map[string]*core.FileRef
	permissive  bool
}

func NewDirectory() *Directory {
	return &Directory{
		usersByExt:  make(map[string]*core.User),
		memberships: make(map[membershipKey]*core.Membership),
		files:       make(map[string]*core.FileRef),
	}
}

// NewPermissiveDirectory creates a directory that grants every user an edit
// membership on first lookup. File references still have to be seeded.
// Development only.
func NewPermissiveDirectory() *Directory {
	d := NewDirectory()
	d.permissive = true
	return d
}

func (d *Directory) EnsureUser(ctx context.Context, externalID, name, email string) (*core.User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if user, ok := d.usersByExt[externalID]; ok {
		if name != "" {
			user.Name = name
		}
		if email != "" {
			user.Email = email
		}
		copied := *user
		return &copied, nil
	}

	user := &core.User{
		ID:         ulid.Make().String(),
		ExternalID: externalID,
		Name:       name,
		Email:      email,
	}
	d.usersByExt[externalID] = user
	copied := *user
	return &copied, nil
}

func (d *Directory) Membership(ctx context.Context, workspaceID, userID string) (*core.Membership, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if m, ok := d.memberships[membershipKey{workspaceID, userID}]; ok {
		copied := *m
		return &copied, nil
	}
	if d.permissive {
		return &core.Membership{WorkspaceID: workspaceID, UserID: userID, CanEdit: true}, nil
	}
	return nil, core.ErrMembershipNotFound
}

func (d *Directory) ProvisionMembership(ctx context.Context, workspaceID, userID string) (*core.Membership, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := membershipKey{workspaceID, userID}
	if m, ok := d.memberships[key]; ok {
		copied := *m
		return &copied, nil
	}

	m := &core.Membership{
		WorkspaceID: workspaceID,
		UserID:      userID,
		CanEdit:     false,
	}
	d.memberships[key] = m
	copied := *m
	return &copied, nil
}

func (d *Directory) GetFile(ctx context.Context, fileID string) (*core.FileRef, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if f, ok := d.files[fileID]; ok {
		copied := *f
		return &copied, nil
	}
	return nil, core.ErrFileNotFound
}

// SetMembership seeds a membership with an explicit edit capability.
func (d *Directory) SetMembership(workspaceID, userID string, canEdit bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.memberships[membershipKey{workspaceID, userID}] = &core.Membership{
		WorkspaceID: workspaceID,
		UserID:      userID,
		CanEdit:     canEdit,
	}
}

// AddFile seeds a file reference.
func (d *Directory) AddFile(fileID, workspaceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[fileID] = &core.FileRef{ID: fileID, WorkspaceID: workspaceID}
}
