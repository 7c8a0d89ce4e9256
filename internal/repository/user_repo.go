package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/lexcoach-api/internal/models"
)

// UserRepository resolves user records referenced by chat entities.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (models.User, error)
	FindByIDs(ctx context.Context, ids []string) ([]models.User, error)
	ListExcept(ctx context.Context, id string) ([]models.User, error)
	ListByRole(ctx context.Context, role models.Role) ([]models.User, error)
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs a user repository backed by GORM.
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) FindByID(ctx context.Context, id string) (models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&user).Error; err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *userRepository) FindByIDs(ctx context.Context, ids []string) ([]models.User, error) {
	if len(ids) == 0 {
		return []models.User{}, nil
	}

	var users []models.User
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) ListExcept(ctx context.Context, id string) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Where("id <> ?", id).Order("first_name ASC").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (r *userRepository) ListByRole(ctx context.Context, role models.Role) ([]models.User, error) {
	var users []models.User
	if err := r.db.WithContext(ctx).Where("role = ?", role).Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// cachedUserRepository keeps single-user lookups in redis; display names are
// resolved on every pushed message.
type cachedUserRepository struct {
	UserRepository
	redis  *redis.Client
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedUserRepository wraps base with a redis read-through cache for FindByID.
// A nil client returns base unchanged.
func NewCachedUserRepository(base UserRepository, redisClient *redis.Client, prefix string, ttl time.Duration, logger zerolog.Logger) UserRepository {
	if redisClient == nil {
		return base
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if prefix == "" {
		prefix = "users"
	}
	return &cachedUserRepository{
		UserRepository: base,
		redis:          redisClient,
		prefix:         prefix,
		ttl:            ttl,
		logger:         logger.With().Str("component", "user_cache").Logger(),
	}
}

func (r *cachedUserRepository) FindByID(ctx context.Context, id string) (models.User, error) {
	key := fmt.Sprintf("%s:user:%s", r.prefix, id)

	cached, err := r.redis.Get(ctx, key).Result()
	if err == nil {
		var user models.User
		if err := json.Unmarshal([]byte(cached), &user); err == nil {
			return user, nil
		}
		r.logger.Warn().Str("user_id", id).Msg("discarding malformed cached user")
	} else if !errors.Is(err, redis.Nil) {
		r.logger.Warn().Err(err).Msg("user cache read failed")
	}

	user, err := r.UserRepository.FindByID(ctx, id)
	if err != nil {
		return models.User{}, err
	}

	if payload, err := json.Marshal(user); err == nil {
		if err := r.redis.Set(ctx, key, payload, r.ttl).Err(); err != nil {
			r.logger.Warn().Err(err).Msg("user cache write failed")
		}
	}

	return user, nil
}
