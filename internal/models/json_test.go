package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRepository_JSONRoundTrip(t *testing.T) {
	repo := NewRepository("documents", "/Users/alice/Backups/documents")

	data, err := json.Marshal(repo)
	if err != nil {
		t.Fatalf("failed to marshal Repository: %v", err)
	}

	var decoded Repository
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal Repository: %v", err)
	}

	if decoded.ID != repo.ID {
		t.Errorf("expected id %s, got %s", repo.ID, decoded.ID)
	}
	if decoded.Name != "documents" {
		t.Errorf("expected name 'documents', got %s", decoded.Name)
	}
	if decoded.Path != "/Users/alice/Backups/documents" {
		t.Errorf("expected path to survive round trip, got %s", decoded.Path)
	}
	if !decoded.CreatedAt.Equal(repo.CreatedAt) {
		t.Errorf("expected created_at %v, got %v", repo.CreatedAt, decoded.CreatedAt)
	}
}

func TestRepositoryCredentials_JSONRoundTrip(t *testing.T) {
	repo := NewRepository("vault", "/tmp/vault")
	creds := NewRepositoryCredentials(repo.ID, "s3cret", repo.Path)
	creds.KeyFileName = "alt.key"

	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatalf("failed to marshal RepositoryCredentials: %v", err)
	}

	var decoded RepositoryCredentials
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal RepositoryCredentials: %v", err)
	}

	if decoded.RepositoryID != repo.ID {
		t.Errorf("expected repository_id %s, got %s", repo.ID, decoded.RepositoryID)
	}
	if decoded.Password != "s3cret" {
		t.Errorf("expected password to survive round trip, got %q", decoded.Password)
	}
	if decoded.RepositoryPath != repo.Path {
		t.Errorf("expected repository_path %s, got %s", repo.Path, decoded.RepositoryPath)
	}
	if decoded.KeyFileName != "alt.key" {
		t.Errorf("expected key_file_name 'alt.key', got %q", decoded.KeyFileName)
	}
}

func TestRepositoryCredentials_TouchPreservesCreatedAt(t *testing.T) {
	creds := NewRepositoryCredentials(NewRepository("a", "/a").ID, "pw", "/a")
	created := creds.CreatedAt

	time.Sleep(10 * time.Millisecond)
	creds.Touch()

	if !creds.CreatedAt.Equal(created) {
		t.Errorf("Touch must not change CreatedAt: was %v, now %v", created, creds.CreatedAt)
	}
	if !creds.ModifiedAt.After(created) {
		t.Errorf("Touch must advance ModifiedAt past %v, got %v", created, creds.ModifiedAt)
	}
}

func TestRetentionPolicy_IsZero(t *testing.T) {
	if !(RetentionPolicy{}).IsZero() {
		t.Error("empty policy should be zero")
	}
	if (RetentionPolicy{KeepDaily: 7}).IsZero() {
		t.Error("policy with keep_daily should not be zero")
	}
}
