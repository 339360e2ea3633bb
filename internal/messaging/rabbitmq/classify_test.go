package rabbitmq_test

import (
	"errors"
	"fmt"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/orderpipe/internal/domain"
	"github.com/vladislavdragonenkov/orderpipe/internal/messaging/rabbitmq"
)

func TestClassifier_Classify(t *testing.T) {
	logger, _ := test.NewNullLogger()
	classifier := rabbitmq.NewClassifier(logger.WithField("component", "test"))

	tests := []struct {
		name string
		err  error
		want rabbitmq.Outcome
	}{
		{"success", nil, rabbitmq.OutcomeAck},
		{"malformed", fmt.Errorf("decode: %w", domain.ErrMalformedEvent), rabbitmq.OutcomeDeadLetter},
		{"dispatch rejected", fmt.Errorf("webhook 400: %w", domain.ErrDispatchRejected), rabbitmq.OutcomeDeadLetter},
		{"invalid transition", &domain.InvalidTransitionError{From: domain.OrderStatusPending, To: domain.OrderStatusShipped}, rabbitmq.OutcomeDeadLetter},
		{"unknown status", domain.ErrUnknownStatus, rabbitmq.OutcomeDeadLetter},
		{"dispatch temporary", fmt.Errorf("webhook 503: %w", domain.ErrDispatchTemporary), rabbitmq.OutcomeRequeue},
		{"dedup busy", domain.ErrDedupInProgress, rabbitmq.OutcomeRequeue},
		{"unknown error", errors.New("redis: connection refused"), rabbitmq.OutcomeRequeue},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifier.Classify(tt.err, nil))
		})
	}
}

func TestClassifier_LogsCauseChain(t *testing.T) {
	logger, hook := test.NewNullLogger()
	classifier := rabbitmq.NewClassifier(logger.WithField("component", "test"))

	err := fmt.Errorf("handle order o1: %w", fmt.Errorf("notify: %w", domain.ErrDispatchRejected))
	outcome := classifier.Classify(err, log.Fields{"queue": "order.created"})
	require.Equal(t, rabbitmq.OutcomeDeadLetter, outcome)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, log.ErrorLevel, entry.Level)
	assert.Equal(t, "order.created", entry.Data["queue"])
	assert.Equal(t, "*fmt.wrapError", entry.Data["error_type"])
	assert.Equal(t, "dead_letter", entry.Data["outcome"])

	chain, ok := entry.Data["cause"].([]string)
	require.True(t, ok)
	require.Len(t, chain, 3)
	assert.Contains(t, chain[2], "notification dispatch rejected")

	classifier.Classify(domain.ErrDispatchTemporary, nil)
	assert.Equal(t, log.WarnLevel, hook.LastEntry().Level)
}

func TestCauseChain_FollowsJoinedErrors(t *testing.T) {
	err := &domain.PublishError{OrderID: "o1", RoutingKey: "k", Err: errors.New("nack")}

	chain := rabbitmq.CauseChain(err)
	require.Len(t, chain, 3)
	assert.Contains(t, chain[0], "*domain.PublishError")
	assert.Contains(t, chain[1], "publish order event")
	assert.Contains(t, chain[2], "nack")
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "ack", rabbitmq.OutcomeAck.String())
	assert.Equal(t, "requeue", rabbitmq.OutcomeRequeue.String())
	assert.Equal(t, "dead_letter", rabbitmq.OutcomeDeadLetter.String())
	assert.Equal(t, "unknown", rabbitmq.Outcome(42).String())
}
