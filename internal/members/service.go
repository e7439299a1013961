// Package members tracks the display identities of project members seen by
// the store, with a process-wide cache in front of the table.
package members

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidMemberID indicates a join carried no usable member identifier.
var ErrInvalidMemberID = errors.New("members: invalid member id")

// ServiceConfig describes the dependencies of the member registry.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service records and resolves member profiles.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService validates the configuration and returns a member registry.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("members: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// Record stores the member's current display name and refreshes last-seen.
// Called on every session join.
func (s *Service) Record(memberID, displayName string) (Profile, error) {
	memberID = normalize(memberID)
	if memberID == "" {
		return Profile{}, ErrInvalidMemberID
	}
	displayName = normalize(displayName)

	var profile Profile
	err := s.db.Where("member_id = ?", memberID).First(&profile).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		profile = Profile{
			MemberID:    memberID,
			DisplayName: displayName,
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&profile).Error; err != nil {
			return Profile{}, err
		}
	} else if err != nil {
		return Profile{}, err
	} else {
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if displayName != "" && displayName != profile.DisplayName {
			updates["display_name"] = displayName
			profile.DisplayName = displayName
		}
		if err := s.db.Model(&Profile{}).Where("member_id = ?", memberID).Updates(updates).Error; err != nil {
			return Profile{}, err
		}
	}

	s.cache.Store(memberID, profile.DisplayName)
	return profile, nil
}

// DisplayName resolves a member's display name, preferring the cache.
func (s *Service) DisplayName(memberID string) (string, bool) {
	memberID = normalize(memberID)
	if memberID == "" {
		return "", false
	}
	if cached, ok := s.cache.Load(memberID); ok {
		if name, ok := cached.(string); ok {
			return name, name != ""
		}
	}

	var profile Profile
	if err := s.db.Where("member_id = ?", memberID).First(&profile).Error; err != nil {
		return "", false
	}
	s.cache.Store(memberID, profile.DisplayName)
	return profile.DisplayName, profile.DisplayName != ""
}

// Reset drops the in-memory cache. Used on logout and in tests.
func (s *Service) Reset() {
	s.cache.Range(func(key, _ interface{}) bool {
		s.cache.Delete(key)
		return true
	})
}
