package outcome

import (
	"context"
	"time"

	"github.com/alapierre/go-hacienda-client/hacienda"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the part of *kgo.Client the publisher needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
}

// KafkaPublisher publishes every record to a topic keyed by document key, so a compacted topic keeps
// the latest state per document. The signed payload is not published, only its hash.
type KafkaPublisher struct {
	producer Producer
	topic    string
}

func NewKafkaPublisher(producer Producer, topic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic}
}

// NewKafkaClient opens a producer with acks from all in-sync replicas and idempotent writes.
func NewKafkaClient(brokers []string, topic string) (*kgo.Client, error) {
	cl, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, errors.Wrap(err, "kafka client")
	}
	return cl, nil
}

func (k *KafkaPublisher) Record(ctx context.Context, r hacienda.SubmissionRecord) error {
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(r.DocumentKey),
		Value: EncodeRecord(r),
		Headers: []kgo.RecordHeader{
			{Key: "verdict", Value: []byte(r.Verdict)},
			{Key: "issuer", Value: []byte(r.IssuerID)},
		},
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return errors.Wrapf(err, "produce record %s", r.DocumentKey)
	}
	return nil
}

// EncodeRecord renders r as JSON without the signed payload.
func EncodeRecord(r hacienda.SubmissionRecord) []byte {
	var e jx.Encoder
	e.ObjStart()
	field := func(name, v string) {
		e.FieldStart(name)
		e.Str(v)
	}
	field("documentKey", r.DocumentKey)
	field("attemptId", r.AttemptID)
	field("companyId", r.CompanyID)
	field("issuerId", r.IssuerID)
	field("documentType", string(r.DocumentType))
	e.FieldStart("consecutive")
	e.Int64(r.Consecutive)
	field("signedPayloadHash", r.SignedPayloadHash)
	e.FieldStart("httpStatus")
	e.Int(r.HTTPStatus)
	field("verdict", string(r.Verdict))
	if r.AuthorityMessage != "" {
		field("authorityMessage", r.AuthorityMessage)
	}
	if r.ErrorKind != "" {
		field("errorKind", string(r.ErrorKind))
	}
	e.FieldStart("escalated")
	e.Bool(r.Escalated)
	field("createdAt", r.CreatedAt.UTC().Format(time.RFC3339Nano))
	if !r.SubmittedAt.IsZero() {
		field("submittedAt", r.SubmittedAt.UTC().Format(time.RFC3339Nano))
	}
	field("updatedAt", r.UpdatedAt.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}
