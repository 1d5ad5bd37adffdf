package casdoor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/redis/go-redis/v9"

	"github.com/classforge/attempt-service/internal/models"
	"github.com/classforge/attempt-service/internal/repositories"
)

// CasdoorConfig holds the configuration for Casdoor connection
type CasdoorConfig struct {
	Endpoint         string
	ClientID         string
	ClientSecret     string
	Certificate      string
	OrganizationName string
	ApplicationName  string
}

// UserCasdoor resolves identities from Casdoor with a Redis read-through
// cache. Identity is external; there is no local write path.
type UserCasdoor struct {
	client *casdoorsdk.Client
	redis  *redis.Client

	cachePrefix string
	cacheTTL    time.Duration
}

func NewUserCasdoor(config CasdoorConfig, redisClient *redis.Client) repositories.UserRepository {
	client := casdoorsdk.NewClient(
		config.Endpoint,
		config.ClientID,
		config.ClientSecret,
		config.Certificate,
		config.OrganizationName,
		config.ApplicationName,
	)

	return &UserCasdoor{
		client:      client,
		redis:       redisClient,
		cachePrefix: "user:",
		cacheTTL:    15 * time.Minute,
	}
}

func (u *UserCasdoor) GetByID(ctx context.Context, id string) (*models.User, error) {
	if cached, err := u.fromCache(ctx, "id:"+id); err == nil && cached != nil {
		return cached, nil
	}

	casdoorUser, err := u.client.GetUserByUserId(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get user from casdoor: %w", err)
	}
	if casdoorUser == nil {
		return nil, repositories.ErrNotFound
	}

	user := mapCasdoorUser(casdoorUser)
	u.toCache(ctx, "id:"+id, user)
	return user, nil
}

func (u *UserCasdoor) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	if cached, err := u.fromCache(ctx, "email:"+email); err == nil && cached != nil {
		return cached, nil
	}

	casdoorUser, err := u.client.GetUserByEmail(email)
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email from casdoor: %w", err)
	}
	if casdoorUser == nil {
		return nil, repositories.ErrNotFound
	}

	user := mapCasdoorUser(casdoorUser)
	u.toCache(ctx, "email:"+email, user)
	return user, nil
}

// ===== CACHE =====

func (u *UserCasdoor) fromCache(ctx context.Context, key string) (*models.User, error) {
	if u.redis == nil {
		return nil, nil
	}

	data, err := u.redis.Get(ctx, u.cachePrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var user models.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (u *UserCasdoor) toCache(ctx context.Context, key string, user *models.User) {
	if u.redis == nil {
		return
	}

	if data, err := json.Marshal(user); err == nil {
		u.redis.Set(ctx, u.cachePrefix+key, data, u.cacheTTL)
	}
}

func mapCasdoorUser(cu *casdoorsdk.User) *models.User {
	var avatar *string
	if cu.Avatar != "" {
		avatar = &cu.Avatar
	}

	return &models.User{
		ID:        cu.Id,
		FullName:  cu.DisplayName,
		Email:     cu.Email,
		Role:      MapRole(cu.Type),
		AvatarURL: avatar,
	}
}

// MapRole maps a Casdoor user type to an internal role.
func MapRole(casdoorType string) models.UserRole {
	switch strings.ToLower(casdoorType) {
	case "admin", "administrator":
		return models.RoleAdmin
	case "teacher", "instructor", "educator":
		return models.RoleTeacher
	case "proctor", "supervisor":
		return models.RoleProctor
	default:
		return models.RoleStudent
	}
}
