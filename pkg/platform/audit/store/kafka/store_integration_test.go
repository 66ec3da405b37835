//go:build integration

package kafka_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/audax/qabel-index/internal/platform/config"
	platformkafka "github.com/audax/qabel-index/internal/platform/kafka"
	audit "github.com/audax/qabel-index/pkg/platform/audit"
	auditkafka "github.com/audax/qabel-index/pkg/platform/audit/store/kafka"
	"github.com/audax/qabel-index/pkg/testutil/containers"
)

const topic = "keyindex.audit.test"

type KafkaStoreSuite struct {
	suite.Suite
	kafka  *containers.KafkaContainer
	client *kgo.Client
}

func TestKafkaStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(KafkaStoreSuite))
}

func (s *KafkaStoreSuite) SetupSuite() {
	s.kafka = containers.GetManager().GetKafka(s.T())
	client, err := platformkafka.New(config.KafkaConfig{Brokers: s.kafka.Brokers, AuditTopic: topic})
	s.Require().NoError(err)
	s.client = client

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Require().NoError(platformkafka.EnsureTopic(ctx, client, topic))
	s.Require().NoError(platformkafka.EnsureTopic(ctx, client, topic), "second call must tolerate an existing topic")
}

func (s *KafkaStoreSuite) TearDownSuite() {
	if s.client != nil {
		s.client.Close()
	}
}

func (s *KafkaStoreSuite) TestAppendIsConsumable() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := auditkafka.New(s.client, topic)
	s.Require().NoError(store.Append(ctx, audit.Event{
		Category: audit.CategoryCompliance,
		Subject:  "feedface",
		Action:   string(audit.EventVerificationConfirmed),
	}))

	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(s.kafka.Brokers...),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	s.Require().NoError(err)
	defer consumer.Close()

	for {
		fetches := consumer.PollFetches(ctx)
		s.Require().NoError(ctx.Err(), "timed out waiting for audit record")
		var found bool
		fetches.EachRecord(func(r *kgo.Record) {
			var event audit.Event
			if json.Unmarshal(r.Value, &event) == nil && event.Subject == "feedface" {
				s.Equal(string(audit.EventVerificationConfirmed), event.Action)
				found = true
			}
		})
		if found {
			return
		}
	}
}
