package location

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-transit/internal/models"
)

// RedisMirror keeps the latest position per driver in redis (GEOADD plus a
// metadata hash) so a horizontally scaled read path can serve latestLocation
// without asking the owning process.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(addr, password, key string) *RedisMirror {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisMirror{client: c, key: key}
}

func (m *RedisMirror) PublishSample(ctx context.Context, s models.LocationSample) error {
	if _, err := m.client.GeoAdd(ctx, m.key, &redis.GeoLocation{
		Longitude: s.Longitude,
		Latitude:  s.Latitude,
		Name:      s.DriverID,
	}).Result(); err != nil {
		return err
	}
	return m.client.HSet(ctx, metaKey(s.DriverID), map[string]interface{}{
		"route_name":  s.RouteName,
		"accuracy_m":  s.AccuracyM,
		"captured_at": s.CapturedAt.Format(time.RFC3339),
	}).Err()
}

// Remove drops the driver from the mirror when a ride ends.
func (m *RedisMirror) Remove(ctx context.Context, driverID string) error {
	if err := m.client.ZRem(ctx, m.key, driverID).Err(); err != nil {
		return err
	}
	return m.client.Del(ctx, metaKey(driverID)).Err()
}

func (m *RedisMirror) Close() error { return m.client.Close() }

func metaKey(driverID string) string { return "driver:latest:" + driverID }
