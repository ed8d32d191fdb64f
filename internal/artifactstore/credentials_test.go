package artifactstore

import "testing"

func TestDeriveCredentialIsDeterministic(t *testing.T) {
	key := []byte("master-storage-key-material-32b")
	a, err := DeriveCredential(key, "artifact-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveCredential(key, "artifact-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a != b {
		t.Fatalf("expected deterministic derivation, got %s vs %s", a, b)
	}
}

func TestDeriveCredentialDiffersByArtifact(t *testing.T) {
	key := []byte("master-storage-key-material-32b")
	a, err := DeriveCredential(key, "artifact-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveCredential(key, "artifact-2")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a == b {
		t.Fatal("expected different artifact ids to derive different credentials")
	}
}

func TestDeriveCredentialDiffersByKey(t *testing.T) {
	a, err := DeriveCredential([]byte("key-one-material-needs-32-bytes"), "artifact-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveCredential([]byte("key-two-material-needs-32-bytes"), "artifact-1")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if a == b {
		t.Fatal("expected different master keys to derive different credentials")
	}
}
