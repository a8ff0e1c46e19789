package domain

import (
	"errors"
	"testing"
)

func TestAllContentKeysCoversMatrix(t *testing.T) {
	keys := AllContentKeys()
	if len(keys) != 6 {
		t.Fatalf("expected 6 keys, got %d", len(keys))
	}
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if _, dup := seen[key.ID()]; dup {
			t.Fatalf("duplicate key id %s", key.ID())
		}
		seen[key.ID()] = struct{}{}
	}
	if _, ok := seen["crypto_intermediaire"]; !ok {
		t.Fatalf("expected folded id crypto_intermediaire in %v", seen)
	}
}

func TestParseContentKeyFoldsAccentsAndCase(t *testing.T) {
	key, err := ParseContentKey("bourse", "DEBUTANT")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key.Section != SectionBourse || key.Level != LevelDebutant {
		t.Fatalf("unexpected key %+v", key)
	}
	if key.ID() != "bourse_debutant" {
		t.Fatalf("expected bourse_debutant, got %s", key.ID())
	}
}

func TestParseContentKeyRejectsUnknown(t *testing.T) {
	if _, err := ParseContentKey("Forex", "Expert"); !errors.Is(err, ErrUnknownContentKey) {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	if (ContentKey{Section: SectionCrypto, Level: "Master"}).Valid() {
		t.Fatalf("expected invalid level to be rejected")
	}
}

func TestParseCourseStatusDefaultsToBlocked(t *testing.T) {
	if got := ParseCourseStatus(""); got != CourseStatusBlocked {
		t.Fatalf("expected blocked, got %s", got)
	}
	if got := ParseCourseStatus("completed"); got != CourseStatusCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}
