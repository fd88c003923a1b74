package usage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the slice of the SQS client the forwarder uses.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSForwarder ships each record to a queue for downstream billing
// pipelines. It is meant to sit behind Fanout next to the primary store,
// never as the only sink.
type SQSForwarder struct {
	client   sqsAPI
	queueURL string
}

func NewSQSForwarder(ctx context.Context, region, queueURL string) (*SQSForwarder, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SQSForwarder{client: sqs.NewFromConfig(cfg), queueURL: queueURL}, nil
}

func NewSQSForwarderWithClient(client sqsAPI, queueURL string) *SQSForwarder {
	return &SQSForwarder{client: client, queueURL: queueURL}
}

func (f *SQSForwarder) Record(ctx context.Context, rec Record) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal usage record: %w", err)
	}

	_, err = f.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(f.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"CallerID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.CallerID),
			},
			"Provider": {
				DataType:    aws.String("String"),
				StringValue: aws.String(rec.Provider),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("send usage message: %w", err)
	}
	return nil
}
