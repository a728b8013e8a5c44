package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder(t *testing.T) {
	rec := &Recorder{}
	ctx := context.Background()

	require.NoError(t, rec.Publish(ctx, Event{
		Type:    TypeCardValuationUpdated,
		Subject: "sub-A",
		CardID:  "c-1",
		ValuationUpdated: &ValuationUpdated{
			ExecutionID: "e-1",
			ValueMedian: ptr(450.0),
			Currency:    "USD",
		},
	}))
	require.NoError(t, rec.Publish(ctx, Event{
		Type:    TypeAuthenticityFlagged,
		Subject: "sub-A",
		CardID:  "c-1",
		AuthenticityFlagged: &AuthenticityFlagged{
			ExecutionID: "e-1",
			Score:       0.42,
			Threshold:   0.6,
		},
	}))

	all := rec.Events()
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].ID, "publisher assigns an id")
	assert.False(t, all[0].OccurredAt.IsZero())

	flagged := rec.ByType(TypeAuthenticityFlagged)
	require.Len(t, flagged, 1)
	assert.Equal(t, 0.42, flagged[0].AuthenticityFlagged.Score)
	assert.Empty(t, rec.ByType("card.deleted"))
}

func ptr(f float64) *float64 { return &f }

func TestLogPublisher(t *testing.T) {
	err := LogPublisher{}.Publish(context.Background(), Event{
		Type:   TypeCardValuationUpdated,
		CardID: "c-1",
	})
	assert.NoError(t, err)

	// No-data snapshots publish with null value fields.
	err = LogPublisher{}.Publish(context.Background(), Event{
		Type:    TypeCardValuationUpdated,
		CardID:  "c-1",
		Subject: "sub-A",
		ValuationUpdated: &ValuationUpdated{
			ExecutionID: "e-1",
			Confidence:  0,
		},
	})
	assert.NoError(t, err)

	err = LogPublisher{}.Publish(context.Background(), Event{
		Type:   TypeCardValuationUpdated,
		CardID: "c-1",
		ValuationUpdated: &ValuationUpdated{
			ExecutionID: "e-1",
			ValueMedian: ptr(450.0),
		},
	})
	assert.NoError(t, err)
}
