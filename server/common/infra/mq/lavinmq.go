package mq

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "support_broker/server/common/log"
)

// NewConnection dials the broker, retrying with exponential backoff until
// maxWait elapses or ctx is cancelled.
func NewConnection(ctx context.Context, url string, maxWait time.Duration) (*amqp.Connection, error) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = maxWait

	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		c, err := amqp.Dial(url)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		commonlog.Warnf("event=amqp_dial action=retry wait_ms=%d error=%v", wait.Milliseconds(), err)
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}
