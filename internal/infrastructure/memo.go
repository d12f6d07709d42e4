// internal/infrastructure/memo.go
package infrastructure

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

const knownDeviceTTL = 24 * time.Hour

// KnownDevices remembers device ids that already have a devices row, so the
// insert-or-ignore can be skipped. The LRU is per process; the optional Redis
// cache shares the memo across replicas.
type KnownDevices struct {
	local  *lru.Cache[string, struct{}]
	shared *Cache
	logger *logrus.Logger
}

// NewKnownDevices creates the memo. shared may be nil.
func NewKnownDevices(size int, shared *Cache, logger *logrus.Logger) (*KnownDevices, error) {
	local, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &KnownDevices{local: local, shared: shared, logger: logger}, nil
}

// Known reports whether deviceID was remembered by this or another replica.
// Redis failures count as unknown.
func (k *KnownDevices) Known(ctx context.Context, deviceID string) bool {
	if _, ok := k.local.Get(deviceID); ok {
		return true
	}
	if k.shared == nil {
		return false
	}

	ok, err := k.shared.Exists(ctx, k.shared.Key("device", deviceID))
	if err != nil {
		k.logger.WithError(err).WithField("device_id", deviceID).Debug("Known-device lookup failed")
		return false
	}
	if ok {
		k.local.Add(deviceID, struct{}{})
	}
	return ok
}

// Remember records that deviceID has a row.
func (k *KnownDevices) Remember(ctx context.Context, deviceID string) {
	k.local.Add(deviceID, struct{}{})
	if k.shared == nil {
		return
	}
	if err := k.shared.Set(ctx, k.shared.Key("device", deviceID), "1", knownDeviceTTL); err != nil {
		k.logger.WithError(err).WithField("device_id", deviceID).Debug("Failed to share known device")
	}
}

// Len returns the number of ids held in process.
func (k *KnownDevices) Len() int {
	return k.local.Len()
}
