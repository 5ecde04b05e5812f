package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"

	"github.com/lzyats/core-offline-go/pkg/offline"
)

// RocketMQ publishes queued actions to a topic. A successful SendSync is
// the acknowledgement; the message key is the action ID.
type RocketMQ struct {
	cfg offline.RocketMQSettings

	once sync.Once
	p    rmq.Producer
	err  error
}

func NewRocketMQ(cfg offline.RocketMQSettings) *RocketMQ {
	return &RocketMQ{cfg: cfg}
}

func (r *RocketMQ) Type() string { return "rocketmq" }

// init starts the producer on first use so the agent can boot while the
// broker is still unreachable.
func (r *RocketMQ) init() {
	r.once.Do(func() {
		if r.cfg.NameServer == "" {
			r.err = fmt.Errorf("rocketmq: missing name-server: %w", offline.ErrNotConfigured)
			return
		}
		if r.cfg.Producer.Group == "" {
			r.err = fmt.Errorf("rocketmq: missing producer.group: %w", offline.ErrNotConfigured)
			return
		}
		if r.cfg.Topic == "" {
			r.err = fmt.Errorf("rocketmq: missing topic: %w", offline.ErrNotConfigured)
			return
		}

		opts := []producer.Option{
			producer.WithNameServer([]string{r.cfg.NameServer}),
			producer.WithGroupName(r.cfg.Producer.Group),
			producer.WithRetry(2),
		}
		if r.cfg.Producer.AccessKey != "" || r.cfg.Producer.SecretKey != "" {
			opts = append(opts, producer.WithCredentials(primitive.Credentials{
				AccessKey: r.cfg.Producer.AccessKey,
				SecretKey: r.cfg.Producer.SecretKey,
			}))
		}

		prd, err := rmq.NewProducer(opts...)
		if err != nil {
			r.err = err
			return
		}
		if err := prd.Start(); err != nil {
			r.err = err
			return
		}
		r.p = prd
	})
}

func (r *RocketMQ) Send(ctx context.Context, a offline.Action) error {
	r.init()
	if r.err != nil {
		return r.err
	}
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	m.WithKeys([]string{a.ID})
	tag := a.Type
	if r.cfg.Tag != "" {
		tag = r.cfg.Tag
	}
	m.WithTag(tag)

	res, err := r.p.SendSync(ctx, m)
	if err != nil {
		return err
	}
	if res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send %s status=%d", a.ID, res.Status)
	}
	return nil
}

func (r *RocketMQ) Close() error {
	if r.p != nil {
		return r.p.Shutdown()
	}
	return nil
}
