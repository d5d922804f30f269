package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

type fakeMsg struct {
	data            []byte
	subject         string
	numDelivered    uint64
	acked           bool
	naked           bool
	nakDelay        time.Duration
	termed          bool
	termReason      string
	inProgressCalls int
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return m.subject }
func (m *fakeMsg) Ack() error      { m.acked = true; return nil }
func (m *fakeMsg) Nak() error      { m.naked = true; return nil }
func (m *fakeMsg) NakWithDelay(delay time.Duration) error {
	m.naked = true
	m.nakDelay = delay
	return nil
}
func (m *fakeMsg) InProgress() error { m.inProgressCalls++; return nil }
func (m *fakeMsg) Term() error       { m.termed = true; return nil }
func (m *fakeMsg) TermWithReason(reason string) error {
	m.termed = true
	m.termReason = reason
	return nil
}
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.numDelivered}, nil
}
func (m *fakeMsg) Headers() nats.Header              { return nil }
func (m *fakeMsg) Reply() string                     { return "" }
func (m *fakeMsg) DoubleAck(_ context.Context) error { m.acked = true; return nil }

type fakeProcessor struct {
	result Result
	tasks  []Task
	lease  Lease
}

func (p *fakeProcessor) Process(_ context.Context, task Task, lease Lease) Result {
	p.tasks = append(p.tasks, task)
	p.lease = lease
	return p.result
}

type deadCall struct {
	subject     string
	payload     []byte
	reason      string
	recoverable bool
}

type fakeDead struct {
	calls []deadCall
}

func (d *fakeDead) DeadLetter(_ context.Context, subject string, payload []byte, reason string, recoverable bool) error {
	d.calls = append(d.calls, deadCall{subject: subject, payload: payload, reason: reason, recoverable: recoverable})
	return nil
}

func newTestQueue(proc Processor, dead DeadLetterer) *Queue {
	return &Queue{
		proc:       proc,
		dead:       dead,
		maxDeliver: 5,
		ctx:        context.Background(),
	}
}

func taskMsg(t *testing.T, notBefore time.Time, numDelivered uint64) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(Task{
		ConversationID: "conv-1",
		ChannelKey:     "whatsapp:tenant-a",
		NotBefore:      notBefore,
		EnqueuedAt:     time.Now().UTC().Add(-time.Second),
	})
	if err != nil {
		t.Fatalf("marshal task: %v", err)
	}
	return &fakeMsg{data: data, subject: SubjectFlushTask, numDelivered: numDelivered}
}

func TestHandleDefersEarlyDelivery(t *testing.T) {
	proc := &fakeProcessor{}
	q := newTestQueue(proc, &fakeDead{})

	msg := taskMsg(t, time.Now().Add(10*time.Second), 1)
	q.handle(msg)

	if len(proc.tasks) != 0 {
		t.Fatalf("processor invoked for early delivery")
	}
	if !msg.naked {
		t.Fatalf("expected NakWithDelay for early delivery")
	}
	if msg.nakDelay < 9*time.Second || msg.nakDelay > 10*time.Second {
		t.Errorf("nak delay = %v, want about 10s", msg.nakDelay)
	}
	if msg.acked || msg.termed {
		t.Errorf("early delivery should only be deferred, got acked=%v termed=%v", msg.acked, msg.termed)
	}
}

func TestHandleProcessesDueTask(t *testing.T) {
	proc := &fakeProcessor{result: Result{Outcome: OutcomeAck}}
	q := newTestQueue(proc, &fakeDead{})

	msg := taskMsg(t, time.Now().Add(-time.Second), 2)
	q.handle(msg)

	if len(proc.tasks) != 1 {
		t.Fatalf("expected 1 processed task, got %d", len(proc.tasks))
	}
	got := proc.tasks[0]
	if got.ConversationID != "conv-1" || got.ChannelKey != "whatsapp:tenant-a" {
		t.Errorf("decoded task = %+v", got)
	}
	if !msg.acked {
		t.Errorf("expected ack after successful processing")
	}
	if msg.naked || msg.termed {
		t.Errorf("unexpected nak/term on success")
	}
}

func TestHandleRetriesWithAttemptsLeft(t *testing.T) {
	proc := &fakeProcessor{result: Result{Outcome: OutcomeRetry, Reason: "ai timeout"}}
	dead := &fakeDead{}
	q := newTestQueue(proc, dead)

	msg := taskMsg(t, time.Now().Add(-time.Second), 2)
	q.handle(msg)

	if !msg.naked {
		t.Fatalf("expected nak for retry with attempts left")
	}
	if msg.termed || msg.acked {
		t.Errorf("retry should not ack or term, got acked=%v termed=%v", msg.acked, msg.termed)
	}
	if len(dead.calls) != 0 {
		t.Errorf("retry with attempts left should not dead-letter")
	}
}

func TestHandleDeadLettersExhaustedRetry(t *testing.T) {
	proc := &fakeProcessor{result: Result{Outcome: OutcomeRetry, Reason: "ai timeout"}}
	dead := &fakeDead{}
	q := newTestQueue(proc, dead)

	msg := taskMsg(t, time.Now().Add(-time.Second), 5)
	q.handle(msg)

	if !msg.termed {
		t.Fatalf("expected term on exhausted retries")
	}
	if msg.naked {
		t.Errorf("exhausted task should not be naked again")
	}
	if len(dead.calls) != 1 {
		t.Fatalf("expected 1 dead-letter call, got %d", len(dead.calls))
	}
	call := dead.calls[0]
	if !call.recoverable {
		t.Errorf("exhausted retries should be recoverable")
	}
	if call.subject != SubjectFlushTask {
		t.Errorf("dead-letter subject = %q", call.subject)
	}
	var replay Task
	if err := json.Unmarshal(call.payload, &replay); err != nil {
		t.Fatalf("dead-letter payload not a task: %v", err)
	}
	if replay.ConversationID != "conv-1" {
		t.Errorf("dead-letter payload conversation = %q", replay.ConversationID)
	}
}

func TestHandleInvokesAlertHandler(t *testing.T) {
	proc := &fakeProcessor{result: Result{Outcome: OutcomeRetry, Reason: "ai timeout"}}
	q := newTestQueue(proc, &fakeDead{})

	var gotSubject string
	var gotAlert []byte
	q.SetAlertHandler(func(subject string, alert []byte) {
		gotSubject = subject
		gotAlert = alert
	})

	q.handle(taskMsg(t, time.Now().Add(-time.Second), 5))

	if gotSubject != SubjectFlushTask {
		t.Errorf("alert subject = %q, want %q", gotSubject, SubjectFlushTask)
	}
	var alert struct {
		Reason      string `json:"reason"`
		Recoverable bool   `json:"recoverable"`
	}
	if err := json.Unmarshal(gotAlert, &alert); err != nil {
		t.Fatalf("alert payload not json: %v", err)
	}
	if alert.Reason != "retries exhausted: ai timeout" {
		t.Errorf("alert reason = %q", alert.Reason)
	}
	if !alert.Recoverable {
		t.Error("exhausted retry alert should be recoverable")
	}
}

func TestHandleDropsWithDeadLetter(t *testing.T) {
	proc := &fakeProcessor{result: Result{
		Outcome:     OutcomeDrop,
		Reason:      "commit lock lost",
		DeadLetter:  true,
		Recoverable: false,
	}}
	dead := &fakeDead{}
	q := newTestQueue(proc, dead)

	msg := taskMsg(t, time.Now().Add(-time.Second), 1)
	q.handle(msg)

	if !msg.termed {
		t.Fatalf("expected term on drop")
	}
	if msg.termReason != "commit lock lost" {
		t.Errorf("term reason = %q", msg.termReason)
	}
	if len(dead.calls) != 1 {
		t.Fatalf("expected dead-letter on flagged drop, got %d calls", len(dead.calls))
	}
	if dead.calls[0].recoverable {
		t.Errorf("commit anomaly must not be recoverable")
	}
}

func TestHandleDropsQuietly(t *testing.T) {
	proc := &fakeProcessor{result: Result{Outcome: OutcomeDrop, Reason: "conversation gone"}}
	dead := &fakeDead{}
	q := newTestQueue(proc, dead)

	msg := taskMsg(t, time.Now().Add(-time.Second), 1)
	q.handle(msg)

	if !msg.termed {
		t.Fatalf("expected term on drop")
	}
	if len(dead.calls) != 0 {
		t.Errorf("unflagged drop should not dead-letter")
	}
}

func TestHandleMalformedTask(t *testing.T) {
	proc := &fakeProcessor{}
	dead := &fakeDead{}
	q := newTestQueue(proc, dead)

	msg := &fakeMsg{data: []byte("{not json"), subject: SubjectFlushTask, numDelivered: 1}
	q.handle(msg)

	if len(proc.tasks) != 0 {
		t.Fatalf("processor invoked for malformed task")
	}
	if !msg.termed {
		t.Fatalf("expected term for malformed task")
	}
	if len(dead.calls) != 1 {
		t.Fatalf("expected dead-letter for malformed task, got %d calls", len(dead.calls))
	}
	if dead.calls[0].recoverable {
		t.Errorf("malformed task must not be recoverable")
	}
}

func TestLeaseExtendsVisibility(t *testing.T) {
	proc := &fakeProcessor{result: Result{Outcome: OutcomeAck}}
	q := newTestQueue(proc, &fakeDead{})

	msg := taskMsg(t, time.Now().Add(-time.Second), 1)
	q.handle(msg)

	if proc.lease == nil {
		t.Fatalf("processor did not receive a lease")
	}
	if err := proc.lease.Extend(); err != nil {
		t.Fatalf("lease extend: %v", err)
	}
	if msg.inProgressCalls != 1 {
		t.Errorf("InProgress calls = %d, want 1", msg.inProgressCalls)
	}
}

func TestOutcomeString(t *testing.T) {
	cases := []struct {
		outcome Outcome
		want    string
	}{
		{OutcomeAck, "ack"},
		{OutcomeRetry, "retry"},
		{OutcomeDrop, "drop"},
		{Outcome(99), "unknown"},
	}
	for _, tc := range cases {
		if got := tc.outcome.String(); got != tc.want {
			t.Errorf("Outcome(%d).String() = %q, want %q", tc.outcome, got, tc.want)
		}
	}
}
