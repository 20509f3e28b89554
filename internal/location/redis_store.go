package location

import (
	"context"
	"fmt"
	"time"

	"ecolift/internal/pickup"

	"github.com/redis/go-redis/v9"
)

const geoKey = "collector-locations"

func activeKey(collectorID string) string {
	return fmt.Sprintf("collector:%s:active", collectorID)
}

// RedisStore keeps the latest collector positions in a Redis GEO set. A
// collector counts as active while its per-collector flag has not expired.
type RedisStore struct {
	client    *redis.Client
	activeTTL time.Duration
}

func NewRedisStore(client *redis.Client, activeTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, activeTTL: activeTTL}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Update(ctx context.Context, collectorID string, p pickup.Point) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{Name: collectorID, Longitude: p.Longitude, Latitude: p.Latitude})
		pipe.Set(ctx, activeKey(collectorID), "1", s.activeTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store collector location: %w", err)
	}
	return nil
}

func (s *RedisStore) Position(ctx context.Context, collectorID string) (pickup.Point, bool, error) {
	pos, err := s.client.GeoPos(ctx, geoKey, collectorID).Result()
	if err != nil {
		return pickup.Point{}, false, fmt.Errorf("read collector location: %w", err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return pickup.Point{}, false, nil
	}
	return pickup.Point{Longitude: pos[0].Longitude, Latitude: pos[0].Latitude}, true, nil
}

// NearbyActive returns active collectors within radiusKm of p, nearest first.
func (s *RedisStore) NearbyActive(ctx context.Context, p pickup.Point, radiusKm float64) ([]string, error) {
	ids, err := s.client.GeoSearch(ctx, geoKey, &redis.GeoSearchQuery{
		Longitude:  p.Longitude,
		Latitude:   p.Latitude,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("search collector locations: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.IntCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.Exists(ctx, activeKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("check active collectors: %w", err)
	}
	active := make([]string, 0, len(ids))
	for i, id := range ids {
		if cmds[i].Val() > 0 {
			active = append(active, id)
		}
	}
	return active, nil
}
