package adapter

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/oklog/ulid/v2"

	"github.com/aelexs/identity-service/internal/identity/app"
)

// snsPublisher is a narrow, consumer-defined interface for the subset of SNS
// operations required by the SMS notifier. The real *sns.Client satisfies it.
type snsPublisher interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

var (
	_ app.SMSNotifier = (*SNSSMSNotifier)(nil)
	_ app.SMSNotifier = (*LogSMSNotifier)(nil)
)

// SNSSMSNotifier delivers text messages through Amazon SNS as transactional
// SMS.
type SNSSMSNotifier struct {
	client   snsPublisher
	senderID string
}

// NewSNSSMSNotifier creates an SNSSMSNotifier. senderID is optional and
// shown to recipients on networks that support alphanumeric senders.
func NewSNSSMSNotifier(client snsPublisher, senderID string) *SNSSMSNotifier {
	return &SNSSMSNotifier{client: client, senderID: senderID}
}

// SendSMS publishes message to phone and returns the SNS MessageId.
func (n *SNSSMSNotifier) SendSMS(ctx context.Context, phone, message string) (string, error) {
	ctx, span := tracer.Start(ctx, "sns.sms.publish")
	defer span.End()

	attrs := map[string]snstypes.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	if n.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = snstypes.MessageAttributeValue{
			DataType: aws.String("String"), StringValue: aws.String(n.senderID),
		}
	}

	out, err := n.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(phone),
		Message:           aws.String(message),
		MessageAttributes: attrs,
	})
	if err != nil {
		return "", spanError(span, fmt.Errorf("sns sms: send to %s: %w", maskPhone(phone), err))
	}
	return aws.ToString(out.MessageId), nil
}

// LogSMSNotifier writes messages to the log instead of sending them. Local
// development only: the message body, code included, lands in the log.
type LogSMSNotifier struct {
	logger *slog.Logger
}

// NewLogSMSNotifier creates a LogSMSNotifier.
func NewLogSMSNotifier(logger *slog.Logger) *LogSMSNotifier {
	return &LogSMSNotifier{logger: logger}
}

// SendSMS logs the message with the phone masked and returns a local reference.
func (n *LogSMSNotifier) SendSMS(ctx context.Context, phone, message string) (string, error) {
	ref := "log-" + ulid.Make().String()
	n.logger.InfoContext(ctx, "sms delivery (log-only)",
		slog.String("phone", maskPhone(phone)),
		slog.String("message", message),
		slog.String("reference", ref),
	)
	return ref, nil
}

// maskPhone returns a masked representation of the phone number showing only
// the last 4 digits. Numbers shorter than 5 characters are fully masked.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "***" + phone[len(phone)-4:]
}
