package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	redisDataKey   = "ip2asn:feed:data"
	redisChannel   = "ip2asn:feed:updates"
	redisOpTimeout = 30 * time.Second
)

type updateNotice struct {
	Fingerprint string `json:"fingerprint"`
	Size        int    `json:"size"`
	UpdatedAt   string `json:"updated_at,omitempty"`
	Origin      string `json:"origin,omitempty"`
}

// Distributor shares downloaded feeds between instances through redis. The
// instance that downloads stores the bytes and publishes a notice; every
// subscriber writes the bytes to its own table path.
type Distributor struct {
	client   *redis.Client
	dest     string
	origin   string
	validate func(path string) error
}

func NewDistributor(client *redis.Client, dest, origin string, validate func(path string) error) *Distributor {
	return &Distributor{client: client, dest: dest, origin: origin, validate: validate}
}

func (d *Distributor) Publish(ctx context.Context, data []byte, fingerprint uint64) error {
	if len(data) == 0 {
		return nil
	}

	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	if err := d.client.Set(opCtx, redisDataKey, data, 0).Err(); err != nil {
		return fmt.Errorf("feed redis: store: %w", err)
	}

	payload, err := json.Marshal(updateNotice{
		Fingerprint: formatFingerprint(fingerprint),
		Size:        len(data),
		UpdatedAt:   time.Now().UTC().Format(time.RFC3339),
		Origin:      d.origin,
	})
	if err != nil {
		return fmt.Errorf("feed redis: serialize notice: %w", err)
	}
	if err := d.client.Publish(opCtx, redisChannel, payload).Err(); err != nil {
		return fmt.Errorf("feed redis: publish: %w", err)
	}

	distributedTotal.WithLabelValues("sent").Inc()
	log.Info("Feed distributed", "fingerprint", formatFingerprint(fingerprint), "bytes", len(data))
	return nil
}

// Sync copies the stored feed, if any, to the local table path. It reports
// whether the local file changed.
func (d *Distributor) Sync(ctx context.Context) (bool, error) {
	opCtx, cancel := redisTimeoutCtx(ctx)
	defer cancel()

	data, err := d.client.Get(opCtx, redisDataKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("feed redis: fetch: %w", err)
	}
	return d.write(data)
}

// Subscribe applies every published notice until ctx is done.
func (d *Distributor) Subscribe(ctx context.Context) {
	if changed, err := d.Sync(ctx); err != nil {
		log.Error("Feed redis sync: initial load failed", "error", err)
	} else if changed {
		log.Info("Feed redis sync: loaded feed from redis")
	}

	pubsub := d.client.Subscribe(ctx, redisChannel)
	defer pubsub.Close()

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) || ctx.Err() != nil {
				return
			}
			log.Error("Feed redis sync: subscription error", "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		var notice updateNotice
		if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
			log.Error("Feed redis sync: invalid payload", "error", err)
			continue
		}
		if notice.Origin != "" && notice.Origin == d.origin {
			continue
		}

		changed, err := d.Sync(ctx)
		switch {
		case err != nil:
			log.Error("Feed redis sync: failed to apply update", "fingerprint", notice.Fingerprint, "error", err)
		case changed:
			distributedTotal.WithLabelValues("received").Inc()
			log.Info("Feed redis sync: applied update", "fingerprint", notice.Fingerprint, "origin", notice.Origin)
		}
	}
}

func (d *Distributor) write(data []byte) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	current, err := fileFingerprint(d.dest)
	if err != nil {
		return false, fmt.Errorf("feed redis: hash %s: %w", d.dest, err)
	}
	if current == xxhash.Sum64(data) {
		return false, nil
	}
	if _, err := replaceFile(d.dest, bytes.NewReader(data), d.validate); err != nil {
		return false, fmt.Errorf("feed redis: write %s: %w", d.dest, err)
	}
	return true, nil
}

func formatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

func redisTimeoutCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= redisOpTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, redisOpTimeout)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
