package members

import (
	"strings"
	"time"
)

// Profile is the stored display identity of one project member. Captured when
// the member joins a session; replies denormalize the display name from here
// so later renames do not rewrite history.
type Profile struct {
	MemberID    string    `gorm:"column:member_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing member profiles.
func (Profile) TableName() string {
	return "member_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
