package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/roomcast/backend/internal/cloud"
)

// SQSAPI is the subset of the SQS client used by SQSSink.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SNSAPI is the subset of the SNS client used by SNSSink.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SQSSink enqueues one message per recipient so downstream consumers can fan
// out push notifications per user.
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

func NewSQSSink(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

type recipientMessage struct {
	Recipient string `json:"recipient"`
	Event
}

func (s *SQSSink) Deliver(ctx context.Context, event Event) error {
	for _, recipient := range event.Recipients {
		body, err := json.Marshal(recipientMessage{Recipient: recipient, Event: event})
		if err != nil {
			return fmt.Errorf("encode sqs notification: %w", err)
		}
		_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]sqstypes.MessageAttributeValue{
				"eventType": {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
				"recipient": {DataType: aws.String("String"), StringValue: aws.String(recipient)},
			},
		})
		if err != nil {
			return fmt.Errorf("sqs send to %s: %w", recipient, err)
		}
	}
	return nil
}

// SNSSink publishes each event once to a topic.
type SNSSink struct {
	client   SNSAPI
	topicARN string
}

func NewSNSSink(client SNSAPI, topicARN string) *SNSSink {
	return &SNSSink{client: client, topicARN: topicARN}
}

func (s *SNSSink) Deliver(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode sns notification: %w", err)
	}
	_, err = s.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(s.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"eventType": {DataType: aws.String("String"), StringValue: aws.String(string(event.Type))},
			"subject":   {DataType: aws.String("String"), StringValue: aws.String(event.Subject)},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish %s: %w", event.Type, err)
	}
	return nil
}

// AWSConfig selects which AWS destinations receive events.
type AWSConfig struct {
	Region   string
	Endpoint string
	QueueURL string
	TopicARN string
}

// NewAWSSinks builds the configured SQS and SNS sinks. It returns nil when
// neither destination is configured.
func NewAWSSinks(ctx context.Context, cfg AWSConfig) (Multi, error) {
	if strings.TrimSpace(cfg.QueueURL) == "" && strings.TrimSpace(cfg.TopicARN) == "" {
		return nil, nil
	}

	awsCfg, err := cloud.LoadAWSConfig(ctx, cfg.Region, cfg.Endpoint, sqs.ServiceID, sns.ServiceID)
	if err != nil {
		return nil, err
	}

	var sinks Multi
	if cfg.QueueURL != "" {
		sinks = append(sinks, NewSQSSink(sqs.NewFromConfig(awsCfg), cfg.QueueURL))
	}
	if cfg.TopicARN != "" {
		sinks = append(sinks, NewSNSSink(sns.NewFromConfig(awsCfg), cfg.TopicARN))
	}
	return sinks, nil
}
