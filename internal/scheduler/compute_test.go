package scheduler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/homesteadhq/homestead/internal/fault"
	"github.com/homesteadhq/homestead/internal/persistence"
)

func TestComputeCron(t *testing.T) {
	after := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)

	next, err := Compute(persistence.ScheduleCron, "0 9 * * *", after)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC).Unix()
	if next == nil || *next != want {
		t.Fatalf("next = %v, want %d", next, want)
	}

	// Deterministic: same inputs, same instant.
	again, err := Compute(persistence.ScheduleCron, "0 9 * * *", after)
	if err != nil || again == nil || *again != *next {
		t.Fatalf("compute not deterministic: %v vs %v (%v)", again, next, err)
	}
}

func TestComputeCronAlwaysFuture(t *testing.T) {
	// A DST-transition instant in most locales; cron math runs in UTC so
	// the result is strictly after regardless.
	after := time.Date(2026, 3, 29, 1, 30, 0, 0, time.UTC)
	next, err := Compute(persistence.ScheduleCron, "*/5 * * * *", after)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if *next <= after.Unix() {
		t.Fatalf("next %d not after %d", *next, after.Unix())
	}
}

func TestComputeInterval(t *testing.T) {
	after := time.Unix(1_700_000_000, 0)
	next, err := Compute(persistence.ScheduleInterval, "60", after)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if *next != after.Unix()+60 {
		t.Fatalf("next = %d, want %d", *next, after.Unix()+60)
	}
}

func TestComputeOnce(t *testing.T) {
	future := time.Now().Add(time.Hour)
	expr := future.Format("2006-01-02T15:04:05")
	next, err := Compute(persistence.ScheduleOnce, expr, time.Now())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if next == nil || *next != future.Unix() {
		t.Fatalf("next = %v, want %d", next, future.Unix())
	}

	// Past instants have no future fire.
	past := time.Now().Add(-time.Hour).Format("2006-01-02T15:04:05")
	next, err = Compute(persistence.ScheduleOnce, past, time.Now())
	if err != nil {
		t.Fatalf("compute past: %v", err)
	}
	if next != nil {
		t.Fatalf("past once schedule yielded a fire at %d", *next)
	}
}

func TestValidateSchedule(t *testing.T) {
	cases := []struct {
		kind persistence.ScheduleKind
		expr string
		ok   bool
	}{
		{persistence.ScheduleCron, "0 9 * * *", true},
		{persistence.ScheduleCron, "not a cron", false},
		{persistence.ScheduleCron, "0 9 * *", false},
		{persistence.ScheduleInterval, "60", true},
		{persistence.ScheduleInterval, "0", false},
		{persistence.ScheduleInterval, "-5", false},
		{persistence.ScheduleInterval, "sixty", false},
		{persistence.ScheduleOnce, "2030-01-01T09:00:00", true},
		{persistence.ScheduleOnce, "next tuesday", false},
		{persistence.ScheduleKind("hourly"), "1", false},
	}
	for _, tc := range cases {
		err := ValidateSchedule(tc.kind, tc.expr)
		if tc.ok && err != nil {
			t.Errorf("ValidateSchedule(%s, %q) = %v, want nil", tc.kind, tc.expr, err)
		}
		if !tc.ok {
			if err == nil {
				t.Errorf("ValidateSchedule(%s, %q) = nil, want validation error", tc.kind, tc.expr)
			} else if !fault.IsKind(err, fault.KindValidation) {
				t.Errorf("ValidateSchedule(%s, %q) kind = %v", tc.kind, tc.expr, fault.KindOf(err))
			}
		}
	}
}

func TestValidateActionConfig(t *testing.T) {
	cases := []struct {
		kind persistence.ActionKind
		cfg  string
		ok   bool
	}{
		{persistence.ActionOutbox, `{"chat_id":100,"agent_name":"almanac","message":"morning"}`, true},
		{persistence.ActionOutbox, `{"chat_id":100}`, false},
		{persistence.ActionOutbox, `{"chat_id":"100","agent_name":"a","message":"m"}`, false},
		{persistence.ActionCommand, `{"command":"echo","args":["hi"],"timeout":5}`, true},
		{persistence.ActionCommand, `{"args":["hi"]}`, false},
		{persistence.ActionWebhook, `{"url":"https://example.com/hook"}`, true},
		{persistence.ActionWebhook, `{"method":"POST"}`, false},
		{persistence.ActionKind("email"), `{}`, false},
	}
	for _, tc := range cases {
		err := ValidateActionConfig(tc.kind, json.RawMessage(tc.cfg))
		if tc.ok && err != nil {
			t.Errorf("ValidateActionConfig(%s, %s) = %v, want nil", tc.kind, tc.cfg, err)
		}
		if !tc.ok && err == nil {
			t.Errorf("ValidateActionConfig(%s, %s) = nil, want error", tc.kind, tc.cfg)
		}
	}

	if err := ValidateActionConfig(persistence.ActionOutbox, json.RawMessage(`{not json`)); err == nil {
		t.Error("malformed JSON accepted")
	}
}
