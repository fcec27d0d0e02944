package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// SQSAPI is the subset of *sqs.Client used by SQSNotifier.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSNotifier sends escalations to an SQS queue.
type SQSNotifier struct {
	client   SQSAPI
	queueURL string
}

// NewSQSClient loads the default AWS configuration (environment, shared config, instance role).
func NewSQSClient(ctx context.Context) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// NewSQSNotifier sends to queueURL through client.
func NewSQSNotifier(client SQSAPI, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

func (s *SQSNotifier) Notify(ctx context.Context, e models.Escalation) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode escalation: %w", err)
	}
	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"priority":   {DataType: aws.String("String"), StringValue: aws.String(string(e.Priority))},
			"patient_id": {DataType: aws.String("String"), StringValue: aws.String(e.PatientID)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send escalation %s to SQS: %w", e.ID, err)
	}
	return nil
}
