package service

import (
	"context"
	"errors"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/noah-isme/lexcoach-api/internal/apperror"
	"github.com/noah-isme/lexcoach-api/internal/dto"
	"github.com/noah-isme/lexcoach-api/internal/models"
	"github.com/noah-isme/lexcoach-api/internal/realtime"
	"github.com/noah-isme/lexcoach-api/internal/repository"
)

// ChangeFeed is the realtime surface the notification service both publishes to and consumes.
type ChangeFeed interface {
	realtime.Publisher
	realtime.Subscriber
}

// userDirectory resolves display info for user ids. Unresolvable ids fall back to the
// unknown-user placeholder and are logged, never failed.
type userDirectory struct {
	users  repository.UserRepository
	logger zerolog.Logger
}

func (d userDirectory) summary(ctx context.Context, id string) (dto.UserSummary, bool) {
	user, err := d.users.FindByID(ctx, id)
	if err != nil {
		event := d.logger.Warn().Str("user_id", id)
		if !errors.Is(apperror.FromStore("user", err), apperror.ErrNotFound) {
			event = event.Err(err)
		}
		event.Msg("user unresolved, using fallback")
		return dto.UnknownUserSummary(id), false
	}
	return dto.NewUserSummary(user), true
}

// summaries resolves ids in one query. A store failure is returned; missing rows are not.
func (d userDirectory) summaries(ctx context.Context, ids []string) (map[string]dto.UserSummary, map[string]models.User, error) {
	unique := uniqueStrings(ids)
	users, err := d.users.FindByIDs(ctx, unique)
	if err != nil {
		return nil, nil, apperror.TransientIO("resolve users", err)
	}

	records := make(map[string]models.User, len(users))
	for _, user := range users {
		records[user.ID] = user
	}

	out := make(map[string]dto.UserSummary, len(unique))
	for _, id := range unique {
		if user, ok := records[id]; ok {
			out[id] = dto.NewUserSummary(user)
			continue
		}
		d.logger.Warn().Str("user_id", id).Msg("user unresolved, using fallback")
		out[id] = dto.UnknownUserSummary(id)
	}
	return out, records, nil
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func idString(id uint) string {
	return strconv.FormatUint(uint64(id), 10)
}

// publishChange emits a change event; failures are logged since the write already committed.
func publishChange(ctx context.Context, publisher realtime.Publisher, logger zerolog.Logger, table realtime.Table, action realtime.Action, id uint, columns map[string]string, row interface{}) {
	if publisher == nil {
		return
	}

	event, err := realtime.NewEvent(table, action, id, columns, row)
	if err != nil {
		logger.Warn().Err(err).Str("table", string(table)).Msg("failed to encode change event")
		return
	}

	if err := publisher.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Str("table", string(table)).Uint("record_id", id).Msg("failed to publish change event")
	}
}
