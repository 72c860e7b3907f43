package core

import (
	"context"
	"errors"
	"time"
)

// KeySeparator joins workspace and file IDs in the wire form of a document
// name, e.g. "w1:42".
const KeySeparator = ":"

var (
	ErrSnapshotNotFound   = errors.New("snapshot not found")
	ErrFileNotFound       = errors.New("file not found")
	ErrMembershipNotFound = errors.New("membership not found")
)

type (
	// DocumentKey uniquely identifies a synchronizable document. Two
	// different (workspace, file) pairs never share in-memory state.
	DocumentKey struct {
		WorkspaceID string
		FileID      string
	}

	// Permission is a session's capability level, fixed at connect time.
	Permission string

	// User is an externally resolved identity. Looked up, never created,
	// by this subsystem.
	User struct {
		ID         string `json:"id"`
		ExternalID string `json:"externalId"`
		Name       string `json:"name"`
		Email      string `json:"email,omitempty"`
	}

	// Membership relates a user to a workspace with an edit-capability flag.
	Membership struct {
		WorkspaceID string
		UserID      string
		CanEdit     bool
	}

	// FileRef confirms a file belongs to a workspace.
	FileRef struct {
		ID          string
		WorkspaceID string
	}

	// Session is one authenticated live connection attached to exactly one
	// document. Its permission never changes for its lifetime; a late
	// downgrade takes effect only on reconnect.
	Session struct {
		ID         string      `json:"sessionId"`
		Key        DocumentKey `json:"-"`
		User       User        `json:"user"`
		Permission Permission  `json:"permission"`
		CreatedAt  time.Time   `json:"createdAt"`
	}

	// Snapshot is the persisted form of a document: an opaque state blob
	// plus its update time. This subsystem imposes no schema on Data.
	Snapshot struct {
		Data      []byte
		UpdatedAt time.Time
	}

	// SnapshotStore is the durability contract for document state.
	// Fetch returns ErrSnapshotNotFound for documents never stored;
	// callers treat that as a valid empty initial state.
	SnapshotStore interface {
		Fetch(ctx context.Context, key DocumentKey) (*Snapshot, error)
		Store(ctx context.Context, key DocumentKey, snapshot *Snapshot) error
	}

	// Directory resolves identities, workspace memberships, and file
	// references from the platform. Membership returns
	// ErrMembershipNotFound for users with no relation to the workspace;
	// ProvisionMembership creates the default non-edit relation.
	Directory interface {
		EnsureUser(ctx context.Context, externalID, name, email string) (*User, error)
		Membership(ctx context.Context, workspaceID, userID string) (*Membership, error)
		ProvisionMembership(ctx context.Context, workspaceID, userID string) (*Membership, error)
		GetFile(ctx context.Context, fileID string) (*FileRef, error)
	}
)

const (
	PermissionReadWrite Permission = "read-write"
	PermissionReadOnly  Permission = "read-only"
)

func (k DocumentKey) String() string {
	return k.WorkspaceID + KeySeparator + k.FileID
}

func (s *Session) CanEdit() bool {
	return s.Permission == PermissionReadWrite
}
