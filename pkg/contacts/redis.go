package contacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const keyPrefix = "contact:"

// Redis reads contact attributes from the hash contact:<id> and tags from the
// set contact:<id>:tags. Values written by the engine are JSON encoded; values
// that do not decode are returned as plain strings.
type Redis struct {
	client redis.UniversalClient
	logger *slog.Logger
}

func NewRedis(client redis.UniversalClient, logger *slog.Logger) *Redis {
	return &Redis{
		client: client,
		logger: logger.With("module", "redis_contacts"),
	}
}

func attributesKey(contactID string) string {
	return keyPrefix + contactID
}

func tagsKey(contactID string) string {
	return keyPrefix + contactID + ":tags"
}

func (r *Redis) Attributes(ctx context.Context, contactID string) (map[string]any, error) {
	pipe := r.client.Pipeline()
	fieldsCmd := pipe.HGetAll(ctx, attributesKey(contactID))
	tagsCmd := pipe.SMembers(ctx, tagsKey(contactID))

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read contact %s: %w", contactID, err)
	}

	fields := fieldsCmd.Val()
	attributes := make(map[string]any, len(fields)+1)

	for field, raw := range fields {
		var value any

		if json.Unmarshal([]byte(raw), &value) != nil {
			value = raw
		}

		attributes[field] = value
	}

	if tags := tagsCmd.Val(); len(tags) > 0 {
		attributes[TagsAttribute] = tags
	}

	return attributes, nil
}

func (r *Redis) SetFields(ctx context.Context, contactID string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	values := make(map[string]any, len(fields))

	for field, value := range fields {
		encoded, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to encode field %s: %w", field, err)
		}

		values[field] = string(encoded)
	}

	err := r.client.HSet(ctx, attributesKey(contactID), values).Err()
	if err != nil {
		return fmt.Errorf("failed to update contact %s: %w", contactID, err)
	}

	r.logger.DebugContext(ctx, "Contact fields updated", "contact_id", contactID, "fields", len(fields))

	return nil
}

func (r *Redis) AddTags(ctx context.Context, contactID string, tags ...string) error {
	if len(tags) == 0 {
		return nil
	}

	members := make([]any, 0, len(tags))
	for _, tag := range tags {
		members = append(members, tag)
	}

	err := r.client.SAdd(ctx, tagsKey(contactID), members...).Err()
	if err != nil {
		return fmt.Errorf("failed to tag contact %s: %w", contactID, err)
	}

	return nil
}
