package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"docsync-server/auth"
	"docsync-server/core"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// ProvisionPolicy decides what happens when a connecting user has no
// membership in the target workspace.
type ProvisionPolicy string

const (
	// ProvisionReadOnly admits unknown users with a freshly provisioned
	// non-edit membership, degrading them to read-only instead of refusing
	// the connection.
	ProvisionReadOnly ProvisionPolicy = "provision-read-only"
	// RejectUnknown refuses connections from users with no membership.
	RejectUnknown ProvisionPolicy = "reject-unknown"
)

// ConnectParams are the out-of-band connection parameters of a handshake.
// All fields are optional strings; identity falls back to the configured
// anonymous principal when absent.
type ConnectParams struct {
	WorkspaceID string
	FileID      string
	UserID      string
	UserName    string
	UserEmail   string
	Token       string
}

type GatewayConfig struct {
	Directory   core.Directory
	TokenSecret []byte
	Policy      ProvisionPolicy

	// Identity used when a handshake carries no user information.
	AnonymousID   string
	AnonymousName string
}

// Gateway authenticates and authorizes connections. It owns no document
// state; a successful Connect only produces a session descriptor.
type Gateway struct {
	cfg GatewayConfig
}

func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Policy == "" {
		cfg.Policy = ProvisionReadOnly
	}
	if cfg.AnonymousID == "" {
		cfg.AnonymousID = "anonymous"
	}
	if cfg.AnonymousName == "" {
		cfg.AnonymousName = "Anonymous"
	}
	return &Gateway{cfg: cfg}
}

// ParseDocumentName splits a wire-form document name into its key. The name
// must yield exactly two non-empty parts around the separator.
func ParseDocumentName(raw string) (core.DocumentKey, error) {
	parts := strings.Split(raw, core.KeySeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return core.DocumentKey{}, ErrMalformedDocumentName
	}
	return core.DocumentKey{WorkspaceID: parts[0], FileID: parts[1]}, nil
}

// Connect validates the document name against the handshake parameters,
// resolves the principal, and authorizes it against workspace membership and
// the file reference. It returns a session descriptor on success; every
// error path rejects the connection before any attachment happens.
func (g *Gateway) Connect(ctx context.Context, rawName string, params ConnectParams) (*core.Session, error) {
	key, err := ParseDocumentName(rawName)
	if err != nil {
		return nil, err
	}

	// Parameters may restate the document; they must agree with the name the
	// connection was opened against.
	if params.WorkspaceID != "" && params.WorkspaceID != key.WorkspaceID {
		return nil, ErrDocumentNameMismatch
	}
	if params.FileID != "" && params.FileID != key.FileID {
		return nil, ErrDocumentNameMismatch
	}

	externalID, name, email := params.UserID, params.UserName, params.UserEmail
	if params.Token != "" {
		claims, err := auth.ParseIdentity(params.Token, g.cfg.TokenSecret)
		if err != nil {
			return nil, fmt.Errorf("identity token: %w", err)
		}
		externalID, name, email = claims.Subject, claims.Name, claims.Email
	}
	if externalID == "" {
		externalID = g.cfg.AnonymousID
	}
	if name == "" {
		name = g.cfg.AnonymousName
	}

	user, err := g.cfg.Directory.EnsureUser(ctx, externalID, name, email)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}

	membership, err := g.cfg.Directory.Membership(ctx, key.WorkspaceID, user.ID)
	if errors.Is(err, core.ErrMembershipNotFound) {
		// Named policy branch for principals unknown to the workspace.
		switch g.cfg.Policy {
		case RejectUnknown:
			return nil, ErrPermissionDenied
		default:
			membership, err = g.cfg.Directory.ProvisionMembership(ctx, key.WorkspaceID, user.ID)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("resolve membership: %w", err)
	}

	file, err := g.cfg.Directory.GetFile(ctx, key.FileID)
	if err != nil {
		if errors.Is(err, core.ErrFileNotFound) {
			return nil, ErrDocumentNotFound
		}
		return nil, fmt.Errorf("resolve file: %w", err)
	}
	if file.WorkspaceID != key.WorkspaceID {
		return nil, ErrDocumentNotFound
	}

	permission := core.PermissionReadOnly
	if membership.CanEdit {
		permission = core.PermissionReadWrite
	}

	session := &core.Session{
		ID:         ulid.Make().String(),
		Key:        key,
		User:       *user,
		Permission: permission,
		CreatedAt:  time.Now(),
	}

	logrus.WithFields(logrus.Fields{
		"session":    session.ID,
		"user":       user.ExternalID,
		"document":   key.String(),
		"permission": permission,
	}).Info("Session connected")

	return session, nil
}
