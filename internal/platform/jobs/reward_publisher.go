package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	domain "github.com/dodji-app/core/internal/domain"
)

const rewardEventType = "streak.claimed"

// RewardMessage is the JSON payload published for each committed streak claim.
type RewardMessage struct {
	Type          string    `json:"type"`
	ClaimID       string    `json:"claimId"`
	UserID        string    `json:"userId"`
	Day           string    `json:"day"`
	CurrentStreak int       `json:"currentStreak"`
	Tier          string    `json:"tier"`
	DodjiAmount   int64     `json:"dodjiAmount"`
	ClaimedAt     time.Time `json:"claimedAt"`
}

// PubSubRewardPublisher publishes streak reward events to a Pub/Sub topic.
type PubSubRewardPublisher struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubRewardPublisher constructs a Pub/Sub backed reward publisher.
func NewPubSubRewardPublisher(topic *pubsub.Topic) (*PubSubRewardPublisher, error) {
	if topic == nil {
		return nil, errors.New("pubsub reward publisher: topic is required")
	}
	return &PubSubRewardPublisher{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishReward sends the event and waits for the server acknowledgement.
func (p *PubSubRewardPublisher) PublishReward(ctx context.Context, event domain.RewardEvent) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub reward publisher: not initialised")
	}

	data, err := p.marshal(RewardMessage{
		Type:          rewardEventType,
		ClaimID:       event.ClaimID,
		UserID:        event.UserID,
		Day:           event.Day,
		CurrentStreak: event.CurrentStreak,
		Tier:          string(event.Tier),
		DodjiAmount:   event.DodjiAmount,
		ClaimedAt:     event.ClaimedAt.UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal reward event: %w", err)
	}

	attrs := map[string]string{"type": rewardEventType}
	setAttr(attrs, "claimId", event.ClaimID)
	setAttr(attrs, "userId", event.UserID)
	setAttr(attrs, "tier", string(event.Tier))
	attrs["streak"] = strconv.Itoa(event.CurrentStreak)

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish reward event: %w", err)
	}
	return nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
