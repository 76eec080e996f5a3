package sqsqueue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

const (
	KindChunk    = "chunk"
	KindFinalize = "finalize"
)

// Job is the unit of work handed to the dispatch workers: either one chunk
// of recipient ids, or the campaign-finalize accounting pass.
type Job struct {
	Kind         string  `json:"kind"`
	CampaignID   int64   `json:"campaignId"`
	ChunkIndex   int     `json:"chunkIndex,omitempty"`
	RecipientIDs []int64 `json:"recipientIds,omitempty"`
}

type Producer struct {
	SQS      *sqs.Client
	QueueURL string
}

func (p *Producer) EnqueueChunk(ctx context.Context, campaignID int64, chunkIndex int, recipientIDs []int64) error {
	return p.send(ctx, Job{
		Kind:         KindChunk,
		CampaignID:   campaignID,
		ChunkIndex:   chunkIndex,
		RecipientIDs: recipientIDs,
	}, 0)
}

// EnqueueFinalize schedules the accounting job. The delay gives in-flight
// chunks a head start; the finalize handler re-enqueues itself while any
// recipient is still pending.
func (p *Producer) EnqueueFinalize(ctx context.Context, campaignID int64, delay time.Duration) error {
	return p.send(ctx, Job{Kind: KindFinalize, CampaignID: campaignID}, delay)
}

func (p *Producer) send(ctx context.Context, job Job, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: aws.String(string(body)),
	}
	if delay > 0 {
		in.DelaySeconds = int32(delay / time.Second)
	}
	_, err = p.SQS.SendMessage(ctx, in)
	return err
}
