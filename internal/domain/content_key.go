package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Section is a topic area of the learning tree.
type Section string

// Level is a difficulty tier within a section.
type Level string

const (
	SectionBourse Section = "Bourse"
	SectionCrypto Section = "Crypto"

	LevelDebutant      Level = "Débutant"
	LevelIntermediaire Level = "Intermédiaire"
	LevelExpert        Level = "Expert"
)

// ErrUnknownContentKey is returned when a section or level is outside the closed enumeration.
var ErrUnknownContentKey = errors.New("content key: unknown section or level")

var (
	sections = []Section{SectionBourse, SectionCrypto}
	levels   = []Level{LevelDebutant, LevelIntermediaire, LevelExpert}
)

// ContentKey identifies one (section, level) cell of the learning tree.
type ContentKey struct {
	Section Section
	Level   Level
}

// AllContentKeys returns the full matrix in a stable order.
func AllContentKeys() []ContentKey {
	keys := make([]ContentKey, 0, len(sections)*len(levels))
	for _, section := range sections {
		for _, level := range levels {
			keys = append(keys, ContentKey{Section: section, Level: level})
		}
	}
	return keys
}

// ID returns the ascii document identifier, e.g. "bourse_debutant".
func (k ContentKey) ID() string {
	return fold(string(k.Section)) + "_" + fold(string(k.Level))
}

// String implements fmt.Stringer.
func (k ContentKey) String() string {
	return fmt.Sprintf("%s/%s", k.Section, k.Level)
}

// Valid reports whether the key belongs to the enumeration.
func (k ContentKey) Valid() bool {
	_, err := ParseContentKey(string(k.Section), string(k.Level))
	return err == nil
}

// ParseContentKey resolves user supplied names, ignoring case and accents.
func ParseContentKey(section, level string) (ContentKey, error) {
	s, ok := matchSection(section)
	if !ok {
		return ContentKey{}, fmt.Errorf("%w: section %q", ErrUnknownContentKey, section)
	}
	l, ok := matchLevel(level)
	if !ok {
		return ContentKey{}, fmt.Errorf("%w: level %q", ErrUnknownContentKey, level)
	}
	return ContentKey{Section: s, Level: l}, nil
}

func matchSection(raw string) (Section, bool) {
	want := fold(raw)
	for _, s := range sections {
		if fold(string(s)) == want {
			return s, true
		}
	}
	return "", false
}

func matchLevel(raw string) (Level, bool) {
	want := fold(raw)
	for _, l := range levels {
		if fold(string(l)) == want {
			return l, true
		}
	}
	return "", false
}

// fold lowercases and strips combining marks so "Débutant" and "debutant" compare equal.
func fold(value string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, strings.TrimSpace(value))
	if err != nil {
		out = value
	}
	return strings.ToLower(out)
}
