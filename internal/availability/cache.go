package availability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/odonto-platform/pkg/logging"
)

const defaultTemplateTTL = 10 * time.Minute

// CachedTemplates is a read-through Redis cache in front of a TemplateStore.
// Cache failures degrade to the backing store; they never fail a request.
type CachedTemplates struct {
	next   TemplateStore
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

// NewCachedTemplates wraps next with a Redis cache.
func NewCachedTemplates(next TemplateStore, client *redis.Client, ttl time.Duration, logger *logging.Logger) *CachedTemplates {
	if next == nil {
		panic("availability: template store required")
	}
	if ttl <= 0 {
		ttl = defaultTemplateTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachedTemplates{next: next, redis: client, ttl: ttl, logger: logger}
}

func (c *CachedTemplates) key(clinicID, professionalID string) string {
	return fmt.Sprintf("availability:template:%s:%s", clinicID, professionalID)
}

// GetWeeklyTemplate serves from Redis when possible.
func (c *CachedTemplates) GetWeeklyTemplate(ctx context.Context, clinicID, professionalID string) (WeeklyTemplate, error) {
	if c.redis == nil {
		return c.next.GetWeeklyTemplate(ctx, clinicID, professionalID)
	}

	key := c.key(clinicID, professionalID)
	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var tpl WeeklyTemplate
		if jsonErr := json.Unmarshal(data, &tpl); jsonErr == nil {
			return tpl, nil
		}
		c.logger.Warn("dropping corrupt cached template", "key", key)
		_ = c.redis.Del(ctx, key).Err()
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("template cache read failed", "key", key, "error", err)
	}

	tpl, err := c.next.GetWeeklyTemplate(ctx, clinicID, professionalID)
	if err != nil {
		return WeeklyTemplate{}, err
	}
	if payload, err := json.Marshal(tpl); err == nil {
		if err := c.redis.Set(ctx, key, payload, c.ttl).Err(); err != nil {
			c.logger.Warn("template cache write failed", "key", key, "error", err)
		}
	}
	return tpl, nil
}

// ReplaceWeeklyTemplate writes through and invalidates the cached copy.
func (c *CachedTemplates) ReplaceWeeklyTemplate(ctx context.Context, clinicID string, tpl WeeklyTemplate) error {
	if err := c.next.ReplaceWeeklyTemplate(ctx, clinicID, tpl); err != nil {
		return err
	}
	if c.redis != nil {
		if err := c.redis.Del(ctx, c.key(clinicID, tpl.ProfessionalID)).Err(); err != nil {
			c.logger.Warn("template cache invalidation failed", "professional_id", tpl.ProfessionalID, "error", err)
		}
	}
	return nil
}
