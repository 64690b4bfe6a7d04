package notify

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/model"
)

// ProgressNotifier pushes campaign counters to subscribers. Delivery is best
// effort: implementations log failures and never return them.
type ProgressNotifier interface {
	Notify(ctx context.Context, snap model.ProgressSnapshot)
}

type Publisher interface {
	Publish(body []byte) error
}

// AMQP publishes snapshots as JSON, e.g. to a fanout exchange.
type AMQP struct {
	pub Publisher
	log *zap.Logger
}

func NewAMQP(pub Publisher, log *zap.Logger) *AMQP {
	return &AMQP{pub: pub, log: log}
}

func (n *AMQP) Notify(_ context.Context, snap model.ProgressSnapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		n.log.Error("marshal progress snapshot", zap.Error(err))
		return
	}
	if err := n.pub.Publish(body); err != nil {
		n.log.Warn("publish progress snapshot",
			zap.Int64("campaign_id", snap.CampaignID),
			zap.Error(err),
		)
	}
}

// Log writes snapshots to the logger at debug level.
type Log struct {
	log *zap.Logger
}

func NewLog(log *zap.Logger) *Log { return &Log{log: log} }

func (n *Log) Notify(_ context.Context, snap model.ProgressSnapshot) {
	n.log.Debug("campaign progress",
		zap.Int64("campaign_id", snap.CampaignID),
		zap.Int64("sponsor_id", snap.SponsorID),
		zap.Int64("sent", snap.Sent),
		zap.Int64("delivered", snap.Delivered),
		zap.Int64("read", snap.Read),
		zap.Int64("failed", snap.Failed),
		zap.Int64("clicked", snap.Clicked),
		zap.Int64("replied", snap.Replied),
	)
}

// Multi fans a snapshot out to several notifiers.
type Multi []ProgressNotifier

func (m Multi) Notify(ctx context.Context, snap model.ProgressSnapshot) {
	for _, n := range m {
		n.Notify(ctx, snap)
	}
}

// Nop discards snapshots.
type Nop struct{}

func (Nop) Notify(context.Context, model.ProgressSnapshot) {}
