package mailbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"
	"go.uber.org/zap"

	"github.com/unclebandit/outreach-sequencer/internal/logger"
	"github.com/unclebandit/outreach-sequencer/internal/model"
	"github.com/unclebandit/outreach-sequencer/internal/service"
)

const defaultBatch = 200

// AMQPReader drains the per-identity queue that the mailbox ingestion service
// fills with normalized inbound messages (JSON model.IncomingMessage). Each
// identity has its own durable queue named prefix + identity id.
//
// Deliveries are acked as soon as they decode. Correlation is idempotent on
// message id, so the ingestion side may redeliver freely.
type AMQPReader struct {
	conn   *amqp.Connection
	prefix string
	batch  int
	logger *zap.Logger
	now    func() time.Time
}

func NewAMQPReader(url, prefix string, log *zap.Logger) (*AMQPReader, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	return &AMQPReader{
		conn:   conn,
		prefix: prefix,
		batch:  defaultBatch,
		logger: logger.OrNop(log),
		now:    time.Now,
	}, nil
}

func QueueName(prefix string, identityID int) string {
	return fmt.Sprintf("%s%d", prefix, identityID)
}

func (r *AMQPReader) FetchRecent(ctx context.Context, identity *model.SendingIdentity, sinceDays int) ([]model.IncomingMessage, error) {
	ch, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}
	defer ch.Close()

	name := QueueName(r.prefix, identity.ID)
	if _, err := ch.QueueDeclare(
		name,  // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}

	since := cutoff(r.now(), sinceDays)
	out := []model.IncomingMessage{}

	for len(out) < r.batch {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		d, ok, err := ch.Get(name, false)
		if err != nil {
			return out, fmt.Errorf("get from %s: %w", name, err)
		}
		if !ok {
			break
		}

		msg, keep, err := Decode(d.Body, since)
		if err != nil {
			r.logger.Warn("dropping undecodable inbound message",
				zap.Int("identity_id", identity.ID),
				zap.Error(err),
			)
		}
		d.Ack(false)
		if keep {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (r *AMQPReader) Close() error {
	return r.conn.Close()
}

func cutoff(now time.Time, sinceDays int) time.Time {
	if sinceDays <= 0 {
		return time.Time{}
	}
	return now.Add(-time.Duration(sinceDays) * 24 * time.Hour)
}

// Decode parses one delivery. keep is false for bodies that do not parse and
// for messages received before since.
func Decode(body []byte, since time.Time) (model.IncomingMessage, bool, error) {
	var msg model.IncomingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, false, err
	}
	if !since.IsZero() && !msg.ReceivedAt.IsZero() && msg.ReceivedAt.Before(since) {
		return msg, false, nil
	}
	return msg, true, nil
}

var _ service.MailboxReader = (*AMQPReader)(nil)
