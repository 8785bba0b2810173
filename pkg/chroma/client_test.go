package chroma

import (
	"testing"

	"mailsync-backend/pkg/config"
)

func TestNewMirrorDisabledWithoutAPIKey(t *testing.T) {
	mirror, err := NewMirror(&config.Config{GeminiApiKey: "test-key"})
	if err != nil {
		t.Fatalf("NewMirror returned %v", err)
	}
	if mirror != nil {
		t.Fatal("mirror enabled without a Chroma API key")
	}
}

func TestDocumentIDDerivedFromFolderAndUID(t *testing.T) {
	if got := documentID("INBOX", 42); string(got) != "INBOX/42" {
		t.Errorf("documentID = %q, want INBOX/42", got)
	}
}
