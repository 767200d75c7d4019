package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStreamSinkAppends(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "test:events")
	ev := sampleEvent(AppointmentBooked)
	require.NoError(t, sink.Deliver(context.Background(), ev))

	msgs, err := client.XRange(context.Background(), "test:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, string(AppointmentBooked), msgs[0].Values["type"])

	var decoded DomainEvent
	require.NoError(t, json.Unmarshal([]byte(msgs[0].Values["payload"].(string)), &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.AppointmentID, decoded.AppointmentID)
}

type fakeSQS struct {
	input *sqs.SendMessageInput
	err   error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.input = in
	return &sqs.SendMessageOutput{}, f.err
}

func TestSQSSinkSendsJSON(t *testing.T) {
	client := &fakeSQS{}
	sink := NewSQSSink(client, "https://sqs.local/queue")
	ev := sampleEvent(SessionStarted)

	require.NoError(t, sink.Deliver(context.Background(), ev))
	require.NotNil(t, client.input)
	assert.Equal(t, "https://sqs.local/queue", aws.ToString(client.input.QueueUrl))
	assert.Equal(t, string(SessionStarted), aws.ToString(client.input.MessageAttributes["event_type"].StringValue))

	var decoded DomainEvent
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(client.input.MessageBody)), &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestSQSSinkWrapsError(t *testing.T) {
	sink := NewSQSSink(&fakeSQS{err: errors.New("throttled")}, "q")
	err := sink.Deliver(context.Background(), sampleEvent(SessionStarted))
	assert.ErrorContains(t, err, "throttled")
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaSinkKeysByAppointment(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}
	ev := sampleEvent(AppointmentCompleted)

	require.NoError(t, sink.Deliver(context.Background(), ev))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, ev.AppointmentID.String(), string(w.msgs[0].Key))
	assert.Equal(t, "event_type", w.msgs[0].Headers[0].Key)
	require.NoError(t, sink.Close())
}

func TestFanoutSinkJoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := SinkFunc(func(context.Context, DomainEvent) error { return errors.New("kafka down") })

	err := FanoutSink{ok, bad}.Deliver(context.Background(), sampleEvent(AppointmentBooked))
	assert.ErrorContains(t, err, "kafka down")
	assert.Len(t, ok.Types(), 1)

	assert.NoError(t, FanoutSink{ok}.Deliver(context.Background(), sampleEvent(AppointmentBooked)))
}
