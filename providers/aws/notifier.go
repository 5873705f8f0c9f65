package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/vahti/telemetry"
	"github.com/yairfalse/vahti/types"
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Notifier consumes resource-change notifications from an SQS queue.
// Messages are deleted only after the handler succeeds, so delivery
// is at-least-once and handlers must tolerate duplicates.
type Notifier struct {
	client   sqsAPI
	queueURL string
	logger   *telemetry.Logger
	tracer   trace.Tracer
}

// NewNotifier builds a consumer for the given queue.
func NewNotifier(client sqsAPI, queueURL string) *Notifier {
	return &Notifier{
		client:   client,
		queueURL: queueURL,
		logger:   telemetry.NewLogger("notifier"),
		tracer:   otel.Tracer("notifier"),
	}
}

// Run long-polls the queue until the context is canceled.
func (n *Notifier) Run(ctx context.Context, handler func(ctx context.Context, event types.ChangeEvent) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		output, err := n.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            awssdk.String(n.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			n.logger.WithContext(ctx).Warn().
				Err(err).
				Msg("receive failed, backing off")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, message := range output.Messages {
			n.handleMessage(ctx, message, handler)
		}
	}
}

func (n *Notifier) handleMessage(ctx context.Context, message sqstypes.Message, handler func(ctx context.Context, event types.ChangeEvent) error) {
	ctx, span := n.tracer.Start(ctx, "notifier.handle_message")
	defer span.End()

	event, err := decodeChangeEvent([]byte(awssdk.ToString(message.Body)))
	if err != nil {
		// Malformed messages are deleted so they do not poison the queue
		n.logger.WithContext(ctx).Warn().
			Err(err).
			Msg("dropping undecodable message")
		n.deleteMessage(ctx, message)
		return
	}
	span.SetAttributes(
		attribute.String("arn", event.ARN),
		attribute.String("service", event.Service),
	)

	if err := handler(ctx, event); err != nil {
		// Leave the message for redelivery after the visibility timeout
		n.logger.WithContext(ctx).Error().
			Err(err).
			Str("arn", event.ARN).
			Msg("change handler failed")
		return
	}

	n.deleteMessage(ctx, message)
}

func (n *Notifier) deleteMessage(ctx context.Context, message sqstypes.Message) {
	_, err := n.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      awssdk.String(n.queueURL),
		ReceiptHandle: message.ReceiptHandle,
	})
	if err != nil {
		n.logger.WithContext(ctx).Warn().
			Err(err).
			Msg("delete message failed")
	}
}

// cloudTrailNotification is the envelope CloudTrail delivers through SQS.
type cloudTrailNotification struct {
	Detail struct {
		EventTime         time.Time `json:"eventTime"`
		EventSource       string    `json:"eventSource"`
		RecipientAccount  string    `json:"recipientAccountId"`
		RequestParameters struct {
			BucketName string `json:"bucketName"`
		} `json:"requestParameters"`
		Resources []struct {
			ARN       string `json:"ARN"`
			AccountID string `json:"accountId"`
		} `json:"resources"`
	} `json:"detail"`
}

// decodeChangeEvent accepts either a native change event or a
// CloudTrail-shaped notification and normalizes both.
func decodeChangeEvent(body []byte) (types.ChangeEvent, error) {
	var event types.ChangeEvent
	if err := json.Unmarshal(body, &event); err == nil && event.Validate() == nil {
		return event, nil
	}

	var notification cloudTrailNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return types.ChangeEvent{}, fmt.Errorf("%w: undecodable message body", types.ErrValidation)
	}

	detail := notification.Detail
	event = types.ChangeEvent{
		AccountID: detail.RecipientAccount,
		Service:   serviceFromEventSource(detail.EventSource),
		EventTime: detail.EventTime,
	}
	if len(detail.Resources) > 0 {
		event.ARN = detail.Resources[0].ARN
		if detail.Resources[0].AccountID != "" {
			event.AccountID = detail.Resources[0].AccountID
		}
	} else if detail.RequestParameters.BucketName != "" {
		event.ARN = "arn:aws:s3:::" + detail.RequestParameters.BucketName
	}
	if err := event.Validate(); err != nil {
		return types.ChangeEvent{}, err
	}
	return event, nil
}

// serviceFromEventSource maps "s3.amazonaws.com" to "s3".
func serviceFromEventSource(source string) string {
	name, _, found := strings.Cut(source, ".")
	if !found {
		return source
	}
	return name
}
