package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/veridian-health/docpipe/registry"
)

// SMSNotifier texts the on-call operator when a job dead-letters. Deadlettered
// jobs need manual intervention, so this is the escalation path out of the
// pipeline.
type SMSNotifier struct {
	client     *twilio.RestClient
	fromNumber string
	operator   string
	logger     *slog.Logger
}

// NewSMSNotifier returns nil when Twilio credentials are not configured;
// callers treat a nil notifier as disabled.
func NewSMSNotifier(accountSID, authToken, fromNumber, operator string, logger *slog.Logger) *SMSNotifier {
	if accountSID == "" || authToken == "" || fromNumber == "" || operator == "" {
		return nil
	}
	return &SMSNotifier{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		fromNumber: fromNumber,
		operator:   operator,
		logger:     logger,
	}
}

func (n *SMSNotifier) JobDeadlettered(ctx context.Context, jobID, docID uuid.UUID, stage registry.Stage, reason string) {
	body := fmt.Sprintf("docpipe: job %s (document %s) dead-lettered at stage %s: %s",
		jobID, docID, stage, reason)

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(n.operator)
	params.SetFrom(n.fromNumber)
	params.SetBody(body)

	_, err := n.client.Api.CreateMessage(params)
	if err != nil {
		n.logger.Error("Failed to send deadletter SMS",
			slog.String("job_id", jobID.String()),
			slog.String("error", err.Error()))
		return
	}

	n.logger.Info("Operator notified of dead-lettered job",
		slog.String("job_id", jobID.String()),
		slog.String("stage", string(stage)))
}
