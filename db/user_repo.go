package db

import (
	"context"

	"github.com/techagentng/expertchat/models"
	"gorm.io/gorm"
)

// UserRepository is a read-only view of the marketplace's users. Nothing in this
// service writes to it.
type UserRepository interface {
	FindProfile(ctx context.Context, id string) (*models.UserProfile, error)
	FindProfiles(ctx context.Context, ids []string) (map[string]*models.UserProfile, error)
}

type userRepo struct {
	DB *gorm.DB
}

func NewUserRepo(db *GormDB) UserRepository {
	return &userRepo{db.DB}
}

func (u *userRepo) FindProfile(ctx context.Context, id string) (*models.UserProfile, error) {
	user := &models.User{}
	if err := u.DB.WithContext(ctx).Where("id = ?", id).First(user).Error; err != nil {
		return nil, storeError(err, "user "+id)
	}
	return user.Profile(), nil
}

// FindProfiles looks up several users at once; unknown ids are simply absent from the map.
func (u *userRepo) FindProfiles(ctx context.Context, ids []string) (map[string]*models.UserProfile, error) {
	profiles := make(map[string]*models.UserProfile, len(ids))
	if len(ids) == 0 {
		return profiles, nil
	}
	var users []models.User
	if err := u.DB.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, storeError(err, "users")
	}
	for i := range users {
		profiles[users[i].ID] = users[i].Profile()
	}
	return profiles, nil
}
