package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

func TestParse(t *testing.T) {
	e, err := Parse(`{"table":"meal_log","op":"INSERT","id":"m-1","patient_id":"p-1"}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Table != TableMealLog || e.Op != "INSERT" || e.ID != "m-1" || e.PatientID != "p-1" {
		t.Errorf("unexpected event: %+v", e)
	}
	if e.ReceivedAt.IsZero() {
		t.Error("expected ReceivedAt to be stamped")
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"unknown table": `{"table":"users","op":"INSERT","id":"1"}`,
		"unknown op":    `{"table":"patient","op":"TRUNCATE","id":"1"}`,
	}
	for name, payload := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(payload); !errors.Is(err, ErrBadPayload) {
				t.Errorf("expected ErrBadPayload, got %v", err)
			}
		})
	}
}

// -- Listener --

type fakeConn struct {
	mu       sync.Mutex
	execs    []string
	pending  []string
	released bool
}

func (c *fakeConn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil, errors.New("connection lost")
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	return &pgconn.Notification{Channel: Channel, Payload: p}, nil
}

func (c *fakeConn) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = true
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func TestListener_ReconnectsAndDispatches(t *testing.T) {
	conn := &fakeConn{pending: []string{
		`{"table":"patient","op":"UPDATE","id":"p-1","patient_id":"p-1"}`,
		`garbage`,
		`{"table":"weight_log","op":"INSERT","id":"w-1","patient_id":"p-1"}`,
	}}
	attempt := 0
	connect := func(context.Context) (notifyConn, error) {
		attempt++
		if attempt == 2 {
			return conn, nil
		}
		return nil, errors.New("dial refused")
	}

	sink := &recordingSink{}
	failing := SinkFunc(func(context.Context, Event) error { return errors.New("broker down") })
	l := newListener(connect, zerolog.Nop(), failing, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var slept []time.Duration
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		if len(slept) == 3 {
			cancel()
			return ctx.Err()
		}
		return nil
	}

	if err := l.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if len(sink.events) != 2 {
		t.Fatalf("expected 2 events past a failing sink, got %d", len(sink.events))
	}
	if sink.events[1].Table != TableWeightLog {
		t.Errorf("unexpected second event: %+v", sink.events[1])
	}

	// backoff resets once LISTEN succeeds
	want := []time.Duration{minBackoff, minBackoff, 2 * minBackoff}
	for i, d := range want {
		if slept[i] != d {
			t.Errorf("sleep %d: expected %s, got %s", i, d, slept[i])
		}
	}

	if len(conn.execs) != 2 || conn.execs[0] != `LISTEN "dietcare_changes"` || conn.execs[1] != "UNLISTEN *" {
		t.Errorf("unexpected statements: %v", conn.execs)
	}
	if !conn.released {
		t.Error("expected connection to be released")
	}
}

func TestListener_BackoffIsCapped(t *testing.T) {
	connect := func(context.Context) (notifyConn, error) { return nil, errors.New("down") }
	l := newListener(connect, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var last time.Duration
	n := 0
	l.sleep = func(ctx context.Context, d time.Duration) error {
		last = d
		n++
		if n == 12 {
			cancel()
			return ctx.Err()
		}
		return nil
	}
	l.Run(ctx)
	if last != maxBackoff {
		t.Errorf("expected backoff capped at %s, got %s", maxBackoff, last)
	}
}

// -- Kafka --

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Publish(t *testing.T) {
	w := &fakeWriter{}
	s := newKafkaSink(w)

	if err := s.Publish(context.Background(), Event{Table: TableMealLog, Op: "DELETE", ID: "m-9", PatientID: "p-3"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Publish(context.Background(), Event{Table: TablePatient, Op: "INSERT", ID: "p-4"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(w.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(w.msgs))
	}
	if string(w.msgs[0].Key) != "p-3" || string(w.msgs[1].Key) != "p-4" {
		t.Errorf("unexpected keys: %q, %q", w.msgs[0].Key, w.msgs[1].Key)
	}
	var got Event
	if err := json.Unmarshal(w.msgs[0].Value, &got); err != nil || got.ID != "m-9" {
		t.Errorf("unexpected value %s (%v)", w.msgs[0].Value, err)
	}

	s.Close()
	if !w.closed {
		t.Error("expected writer closed")
	}
}

func TestKafkaSink_WrapsError(t *testing.T) {
	s := newKafkaSink(&fakeWriter{err: errors.New("leader not available")})
	err := s.Publish(context.Background(), Event{Table: TablePatient, Op: "INSERT", ID: "p"})
	if err == nil || !strings.Contains(err.Error(), "kafka write") {
		t.Errorf("expected wrapped kafka error, got %v", err)
	}
}

// -- SQS --

type fakeSQS struct {
	queues map[string]string
	sent   []*sqs.SendMessageInput
}

func (f *fakeSQS) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	u, ok := f.queues[aws.ToString(in.QueueName)]
	if !ok {
		return nil, errors.New("AWS.SimpleQueueService.NonExistentQueue")
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(u)}, nil
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func TestSQSSink(t *testing.T) {
	client := &fakeSQS{queues: map[string]string{"dietcare-changes": "http://localhost:4566/000000000000/dietcare-changes"}}

	if _, err := newSQSSink(context.Background(), client, "missing"); err == nil {
		t.Error("expected error for unknown queue")
	}

	s, err := newSQSSink(context.Background(), client, "dietcare-changes")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Publish(context.Background(), Event{Table: TableWeightLog, Op: "INSERT", ID: "w-1", PatientID: "p-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(client.sent))
	}
	in := client.sent[0]
	if aws.ToString(in.QueueUrl) != "http://localhost:4566/000000000000/dietcare-changes" {
		t.Errorf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}
	if aws.ToString(in.MessageAttributes["table"].StringValue) != TableWeightLog {
		t.Errorf("expected table attribute, got %+v", in.MessageAttributes)
	}
	if !strings.Contains(aws.ToString(in.MessageBody), `"patient_id":"p-1"`) {
		t.Errorf("unexpected body %s", aws.ToString(in.MessageBody))
	}
}
