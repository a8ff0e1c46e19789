package domain

import (
	"time"
)

// CourseStatus describes the unlock state of a course for a single user.
type CourseStatus string

const (
	// CourseStatusBlocked is the default for any course without a user record.
	CourseStatusBlocked CourseStatus = "blocked"
	// CourseStatusUnlocked marks a course the user has paid for or been granted.
	CourseStatusUnlocked CourseStatus = "unlocked"
	// CourseStatusCompleted marks a course whose media were all consumed.
	CourseStatusCompleted CourseStatus = "completed"
)

// ParseCourseStatus normalises raw store values, falling back to blocked.
func ParseCourseStatus(raw string) CourseStatus {
	switch CourseStatus(raw) {
	case CourseStatusUnlocked:
		return CourseStatusUnlocked
	case CourseStatusCompleted:
		return CourseStatusCompleted
	default:
		return CourseStatusBlocked
	}
}

// Position is a node placement on the learning tree, expressed in percent of the background.
type Position struct {
	X      float64
	Y      float64
	Index  int
	IsSide bool
}

// CourseDefinition is the user-independent description of a course.
type CourseDefinition struct {
	ID         string
	Title      string
	UnlockCost int64
	Media      []string
}

// StaticEntry holds the content shared by every user for one ContentKey. Values are replaced
// wholesale on upstream change and never edited in place.
type StaticEntry struct {
	Key             ContentKey
	BackgroundImage string
	Positions       map[string]Position
	Courses         map[string]CourseDefinition
	UpdatedAt       time.Time
}

// Clone returns a deep copy so callers cannot alias cached maps.
func (s StaticEntry) Clone() StaticEntry {
	out := s
	out.Positions = make(map[string]Position, len(s.Positions))
	for id, pos := range s.Positions {
		out.Positions[id] = pos
	}
	out.Courses = make(map[string]CourseDefinition, len(s.Courses))
	for ordinal, course := range s.Courses {
		if course.Media != nil {
			course.Media = append([]string(nil), course.Media...)
		}
		out.Courses[ordinal] = course
	}
	return out
}

// CourseProgress is the per-user state of a single course.
type CourseProgress struct {
	Status              CourseStatus
	CompletedMediaCount int
	TotalMediaCount     int
}

// UserOverlay maps course id to the user's progress for one ContentKey.
type UserOverlay struct {
	UserID  string
	Key     ContentKey
	Courses map[string]CourseProgress
}

// MediaCounts carries the live completed/total media counters of a course.
type MediaCounts struct {
	CompletedMediaCount int
	TotalMediaCount     int
}

// MergedCourse is a course definition with the user's overlay applied.
type MergedCourse struct {
	Definition          CourseDefinition
	Status              CourseStatus
	CompletedMediaCount int
	TotalMediaCount     int
}

// ImageDimensions records the natural and screen-fitted size of a background image.
type ImageDimensions struct {
	NaturalWidth  int
	NaturalHeight int
	FitWidth      int
	FitHeight     int
}

// ImageCacheEntry is the fetch state of one background image.
type ImageCacheEntry struct {
	URI        string
	IsLoaded   bool
	IsLoading  bool
	Error      string
	Dimensions *ImageDimensions
}

// Errored reports whether the last fetch failed.
func (e ImageCacheEntry) Errored() bool {
	return !e.IsLoaded && !e.IsLoading && e.Error != ""
}

// CacheEntry is the merged view of static content, user overlay, and image state for one key.
// Entries are snapshots: the coordinator rebuilds them on every upstream change.
type CacheEntry struct {
	Key           ContentKey
	Static        *StaticEntry
	Courses       map[string]MergedCourse
	IsStaticOnly  bool
	NeedsUserData bool
	Image         *ImageCacheEntry
}
