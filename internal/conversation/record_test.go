package conversation

import "testing"

func TestStatusIdle(t *testing.T) {
	cases := []struct {
		status Status
		idle   bool
	}{
		{StatusOpen, true},
		{StatusReplied, true},
		{StatusErrored, true},
		{StatusProcessing, false},
	}
	for _, c := range cases {
		if got := c.status.Idle(); got != c.idle {
			t.Errorf("%s.Idle() = %v, want %v", c.status, got, c.idle)
		}
	}
}

func TestStatusValid(t *testing.T) {
	for _, s := range []Status{StatusOpen, StatusReplied, StatusProcessing, StatusErrored} {
		if !s.Valid() {
			t.Errorf("expected %s to be valid", s)
		}
	}
	if Status("locked").Valid() {
		t.Error("expected unknown status to be invalid")
	}
	if Status("").Valid() {
		t.Error("expected empty status to be invalid")
	}
}

func TestRecordIdleStatus(t *testing.T) {
	empty := &Record{}
	if got := empty.IdleStatus(); got != StatusOpen {
		t.Errorf("empty record idle status = %s, want open", got)
	}

	afterUser := &Record{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	if got := afterUser.IdleStatus(); got != StatusOpen {
		t.Errorf("after user turn idle status = %s, want open", got)
	}

	afterReply := &Record{Messages: []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
	}}
	if got := afterReply.IdleStatus(); got != StatusReplied {
		t.Errorf("after assistant turn idle status = %s, want replied", got)
	}
}
