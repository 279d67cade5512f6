package sender

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"dossier/internal/notification/models"
)

type recordingProducer struct {
	records []*kgo.Record
	err     error
}

func (p *recordingProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		p.records = append(p.records, r)
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func TestKafkaSender(t *testing.T) {
	msg := models.Message{
		NotificationID:     "4f1c2f0e-8a55-4f53-9d61-3e0f3f9d5a10",
		Kind:               models.KindApplicationApproved,
		ConfirmationNumber: "SS-IMM-72359200-001",
		Recipient:          "citizen@example.org",
		ArtifactRef:        "documents/a.pdf",
		Attempt:            1,
	}

	t.Run("publishes keyed JSON record", func(t *testing.T) {
		producer := &recordingProducer{}
		s := NewKafka(producer, "dossier.notifications")

		require.NoError(t, s.Send(context.Background(), msg))

		require.Len(t, producer.records, 1)
		record := producer.records[0]
		assert.Equal(t, "dossier.notifications", record.Topic)
		assert.Equal(t, msg.NotificationID, string(record.Key))

		var decoded models.Message
		require.NoError(t, json.Unmarshal(record.Value, &decoded))
		assert.Equal(t, msg, decoded)
		assert.Equal(t, "kind", record.Headers[0].Key)
		assert.Equal(t, "application_approved", string(record.Headers[0].Value))
	})

	t.Run("surfaces produce errors", func(t *testing.T) {
		boom := errors.New("not leader for partition")
		s := NewKafka(&recordingProducer{err: boom}, "dossier.notifications")

		err := s.Send(context.Background(), msg)
		assert.ErrorIs(t, err, boom)
	})
}
