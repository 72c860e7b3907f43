package memory

import (
	"context"
	"docsync-server/core"
	"errors"
	"testing"
)

func TestEnsureUser_Idempotent(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()

	first, err := d.EnsureUser(ctx, "ext-1", "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("EnsureUser() failed: %v", err)
	}
	second, err := d.EnsureUser(ctx, "ext-1", "Ada", "ada@example.com")
	if err != nil {
		t.Fatalf("second EnsureUser() failed: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("EnsureUser() returned different IDs for the same external ID: %q vs %q", first.ID, second.ID)
	}
}

func TestEnsureUser_UpdatesProfile(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()

	if _, err := d.EnsureUser(ctx, "ext-1", "Ada", ""); err != nil {
		t.Fatalf("EnsureUser() failed: %v", err)
	}
	user, err := d.EnsureUser(ctx, "ext-1", "Ada Lovelace", "ada@example.com")
	if err != nil {
		t.Fatalf("EnsureUser() failed: %v", err)
	}

	if user.Name != "Ada Lovelace" {
		t.Errorf("Name = %q, want updated name", user.Name)
	}
	if user.Email != "ada@example.com" {
		t.Errorf("Email = %q, want updated email", user.Email)
	}
}

func TestMembership_NotFound(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()

	_, err := d.Membership(ctx, "w1", "u1")
	if !errors.Is(err, core.ErrMembershipNotFound) {
		t.Errorf("Membership() error = %v, want ErrMembershipNotFound", err)
	}
}

func TestProvisionMembership_DefaultsToNonEdit(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()

	m, err := d.ProvisionMembership(ctx, "w1", "u1")
	if err != nil {
		t.Fatalf("ProvisionMembership() failed: %v", err)
	}
	if m.CanEdit {
		t.Error("provisioned membership should not carry edit capability")
	}

	found, err := d.Membership(ctx, "w1", "u1")
	if err != nil {
		t.Fatalf("Membership() after provision failed: %v", err)
	}
	if found.CanEdit {
		t.Error("stored membership should not carry edit capability")
	}
}

func TestProvisionMembership_KeepsExisting(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()

	d.SetMembership("w1", "u1", true)

	m, err := d.ProvisionMembership(ctx, "w1", "u1")
	if err != nil {
		t.Fatalf("ProvisionMembership() failed: %v", err)
	}
	if !m.CanEdit {
		t.Error("provisioning must not overwrite an existing editor membership")
	}
}

func TestGetFile(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()

	d.AddFile("42", "w1")

	f, err := d.GetFile(ctx, "42")
	if err != nil {
		t.Fatalf("GetFile() failed: %v", err)
	}
	if f.WorkspaceID != "w1" {
		t.Errorf("WorkspaceID = %q, want %q", f.WorkspaceID, "w1")
	}

	if _, err := d.GetFile(ctx, "missing"); !errors.Is(err, core.ErrFileNotFound) {
		t.Errorf("GetFile() error = %v, want ErrFileNotFound", err)
	}
}
