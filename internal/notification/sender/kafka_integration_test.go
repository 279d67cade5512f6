//go:build integration

package sender_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"dossier/internal/notification/models"
	"dossier/internal/notification/sender"
	"dossier/internal/platform/config"
	"dossier/internal/platform/kafka"
	"dossier/pkg/testutil/containers"
)

type KafkaSenderSuite struct {
	suite.Suite
	redpanda *containers.RedpandaContainer
	client   *kafka.Client
}

func TestKafkaSenderSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaSenderSuite))
}

func (s *KafkaSenderSuite) SetupSuite() {
	s.redpanda = containers.GetManager().GetRedpanda(s.T())
	client, err := kafka.New(config.KafkaConfig{
		Brokers:         []string{s.redpanda.Broker},
		Topic:           "dossier.notifications.test",
		ClientID:        "dossier-test",
		DeliveryTimeout: 10 * time.Second,
	})
	s.Require().NoError(err)
	s.client = client
	s.Require().NoError(s.client.EnsureTopic(context.Background(), 1, 1))
}

func (s *KafkaSenderSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *KafkaSenderSuite) TestEnsureTopicIsIdempotent() {
	s.NoError(s.client.EnsureTopic(context.Background(), 1, 1))
}

func (s *KafkaSenderSuite) TestPublishedRecordIsConsumable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	msg := models.Message{
		NotificationID:     "0d6c7a5e-5a8e-4b8f-9f0a-1f6c4f4f7e21",
		Kind:               models.KindApplicationReceived,
		ConfirmationNumber: "SS-IMM-72359200-042",
		Recipient:          "citizen@example.org",
	}
	s.Require().NoError(sender.NewKafka(s.client, s.client.Topic()).Send(ctx, msg))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.redpanda.Broker),
		kgo.ConsumeTopics(s.client.Topic()),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	for {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err())
		var found *kgo.Record
		fetches.EachRecord(func(r *kgo.Record) {
			if string(r.Key) == msg.NotificationID {
				found = r
			}
		})
		if found == nil {
			continue
		}
		var decoded models.Message
		s.Require().NoError(json.Unmarshal(found.Value, &decoded))
		s.Equal(msg.ConfirmationNumber, decoded.ConfirmationNumber)
		return
	}
}
