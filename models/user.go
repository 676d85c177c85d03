package models

import "time"

// User is the marketplace's user record. This service only reads it.
type User struct {
	ID              string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	DisplayName     string    `json:"displayName"`
	ProfileImageURL string    `json:"profileImageUrl"`
	DeviceToken     string    `json:"-"`
	Role            string    `json:"role"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// UserProfile is the subset of User used to enrich outbound payloads.
type UserProfile struct {
	ID              string `json:"id"`
	DisplayName     string `json:"displayName"`
	ProfileImageURL string `json:"profileImageUrl"`
	deviceToken     string
}

func (u *User) Profile() *UserProfile {
	return &UserProfile{
		ID:              u.ID,
		DisplayName:     u.DisplayName,
		ProfileImageURL: u.ProfileImageURL,
		deviceToken:     u.DeviceToken,
	}
}

// DeviceToken is the push token registered for the user, if any.
func (p *UserProfile) DeviceToken() string {
	if p == nil {
		return ""
	}
	return p.deviceToken
}
