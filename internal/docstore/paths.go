package docstore

import (
	"strings"

	"github.com/dodji-app/core/internal/domain"
)

const (
	contentCollection     = "content"
	usersCollection       = "users"
	progressCollection    = "progress"
	courseMediaCollection = "courseMedia"
)

// ContentPath addresses the static definition document of a key.
func ContentPath(key domain.ContentKey) string {
	return contentCollection + "/" + key.ID()
}

// UserPath addresses the user profile document holding streak fields and balance.
func UserPath(userID string) string {
	return usersCollection + "/" + strings.TrimSpace(userID)
}

// OverlayPath addresses the per-user course status document of a key.
func OverlayPath(userID string, key domain.ContentKey) string {
	return UserPath(userID) + "/" + progressCollection + "/" + key.ID()
}

// CourseMediaPath addresses the per-user media counters of a course.
func CourseMediaPath(userID, courseID string) string {
	return UserPath(userID) + "/" + courseMediaCollection + "/" + strings.TrimSpace(courseID)
}
