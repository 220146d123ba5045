package models

import "testing"

func task(kind ReviewCheckTaskKind, status ReviewCheckTaskStatus) ReviewCheckTask {
	return ReviewCheckTask{Kind: kind, Status: status}
}

func TestDeriveConfirmationStatus(t *testing.T) {
	cases := []struct {
		name  string
		tasks []ReviewCheckTask
		want  ConfirmationStatus
	}{
		{"no tasks yet", nil, ConfirmationPending},
		{"fast pending", []ReviewCheckTask{task(TaskKindFast, TaskStatusPending)}, ConfirmationPending},
		{"fast confirmed", []ReviewCheckTask{task(TaskKindFast, TaskStatusConfirmed)}, ConfirmationConfirmed},
		{"recheck confirmed after fast miss", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusFailed),
			task(TaskKindRecheck, TaskStatusConfirmed),
		}, ConfirmationConfirmed},
		// order must not matter
		{"confirmed then failed", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusConfirmed),
			task(TaskKindRecheck, TaskStatusFailed),
		}, ConfirmationConfirmed},
		{"single failed is still pending", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusFailed),
		}, ConfirmationPending},
		{"both failed", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusFailed),
			task(TaskKindRecheck, TaskStatusFailed),
		}, ConfirmationFailed},
		{"failed plus skipped counts as failed", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusSkipped),
			task(TaskKindRecheck, TaskStatusFailed),
		}, ConfirmationFailed},
		{"single duplicate is still pending", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusAlreadyConfirmed),
		}, ConfirmationPending},
		{"both duplicate", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusAlreadyConfirmed),
			task(TaskKindRecheck, TaskStatusAlreadyConfirmed),
		}, ConfirmationDuplicate},
		{"duplicate plus failed stays pending", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusAlreadyConfirmed),
			task(TaskKindRecheck, TaskStatusFailed),
		}, ConfirmationPending},
		{"one settled one pending", []ReviewCheckTask{
			task(TaskKindFast, TaskStatusFailed),
			task(TaskKindRecheck, TaskStatusPending),
		}, ConfirmationPending},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveConfirmationStatus(tc.tasks); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}
