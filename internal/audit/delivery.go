package audit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// DelivererConfig tunes the outbox drain loop.
type DelivererConfig struct {
	Consumer     string
	Interval     time.Duration
	BatchSize    int
	RateLimit    rate.Limit
	Burst        int
	PublishTries uint
}

func (c *DelivererConfig) applyDefaults() {
	if c.Consumer == "" {
		c.Consumer = "audit-deliverer"
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 200
	}
	if c.Burst <= 0 {
		c.Burst = 50
	}
	if c.PublishTries == 0 {
		c.PublishTries = 3
	}
}

// Deliverer drains the outbox to the downstream channel in sequence
// order. A record that cannot be published blocks everything behind it
// until the channel recovers, records are never skipped or reordered.
type Deliverer struct {
	outbox  Outbox
	channel Channel
	log     *logrus.Logger
	cfg     DelivererConfig

	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	wake    <-chan struct{}
}

func NewDeliverer(outbox Outbox, channel Channel, log *logrus.Logger, wake <-chan struct{}, cfg DelivererConfig) *Deliverer {
	cfg.applyDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Consumer,
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("audit channel breaker state changed")
		},
	})

	return &Deliverer{
		outbox:  outbox,
		channel: channel,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.Burst),
		breaker: breaker,
		wake:    wake,
	}
}

// Run drains until ctx is cancelled. It wakes on the emitter signal and
// on a steady tick so a recovered channel picks up the backlog without
// waiting for new traffic.
func (d *Deliverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := d.DrainOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.WithError(err).Warn("audit drain interrupted, will retry")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// DrainOnce publishes pending records until the outbox is empty or a
// publish fails. The cursor advances only past records the channel
// accepted.
func (d *Deliverer) DrainOnce(ctx context.Context) error {
	cursor, err := d.outbox.Cursor(ctx, d.cfg.Consumer)
	if err != nil {
		return err
	}

	for {
		batch, err := d.outbox.After(ctx, cursor, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		for _, stored := range batch {
			if err := d.limiter.Wait(ctx); err != nil {
				return err
			}
			if err := d.publish(ctx, stored); err != nil {
				d.log.WithError(err).WithFields(logrus.Fields{
					"seq":         stored.Seq,
					"entity_type": stored.Record.EntityType,
					"entity_id":   stored.Record.EntityID,
				}).Warn("failed to deliver transition record")
				return err
			}
			cursor = stored.Seq
			if err := d.outbox.Mark(ctx, d.cfg.Consumer, cursor); err != nil {
				return err
			}
		}
	}
}

func (d *Deliverer) publish(ctx context.Context, stored Stored) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		_, err := d.breaker.Execute(func() (interface{}, error) {
			return nil, d.channel.Publish(ctx, stored.Record)
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(d.cfg.PublishTries))
	return err
}
