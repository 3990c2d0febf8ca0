package queue

import (
	"testing"

	"nirnoy/realtime-service/internal/models"
)

func entry(appointmentID string, serial int, status string) models.QueueEntry {
	return models.QueueEntry{
		AppointmentID: appointmentID,
		SerialNumber:  serial,
		Status:        status,
	}
}

func TestDeriveStatuses(t *testing.T) {
	entries := []models.QueueEntry{
		entry("a1", 1, models.StatusCompleted),
		entry("a2", 2, models.StatusCurrent),
		entry("a3", 3, models.StatusNext),
		entry("a4", 4, models.StatusWaiting),
		entry("a5", 5, models.StatusWaiting),
	}

	derived, inconsistencies := DeriveStatuses(entries, 3)
	if len(inconsistencies) != 1 || inconsistencies[0].AppointmentID != "a2" {
		t.Fatalf("expected a2 flagged inconsistent, got %+v", inconsistencies)
	}

	want := map[string]string{
		"a1": models.StatusCompleted,
		"a2": models.StatusCurrent, // untouched, flagged instead
		"a3": models.StatusCurrent,
		"a4": models.StatusNext,
		"a5": models.StatusWaiting,
	}
	for _, e := range derived {
		if e.Status != want[e.AppointmentID] {
			t.Fatalf("entry %s: expected %s, got %s", e.AppointmentID, want[e.AppointmentID], e.Status)
		}
	}
}

func TestDeriveStatusesExactlyOneCurrent(t *testing.T) {
	entries := []models.QueueEntry{
		entry("a1", 1, models.StatusWaiting),
		entry("a2", 2, models.StatusWaiting),
		entry("a3", 3, models.StatusWaiting),
		entry("a4", 4, models.StatusWaiting),
	}
	for serial := 1; serial <= 4; serial++ {
		derived, _ := DeriveStatuses(entries, serial)
		current := 0
		for _, e := range derived {
			if e.Status == models.StatusCurrent {
				current++
				if e.SerialNumber != serial {
					t.Fatalf("serial %d: wrong entry current: %d", serial, e.SerialNumber)
				}
			}
		}
		if current != 1 {
			t.Fatalf("serial %d: expected exactly one current, got %d", serial, current)
		}
	}
}

func TestDeriveStatusesDoesNotMutateInput(t *testing.T) {
	entries := []models.QueueEntry{entry("a1", 1, models.StatusWaiting)}
	DeriveStatuses(entries, 1)
	if entries[0].Status != models.StatusWaiting {
		t.Fatalf("input mutated: %s", entries[0].Status)
	}
}

func TestDeriveStatusesCountsActive(t *testing.T) {
	entries := []models.QueueEntry{
		entry("a1", 1, models.StatusCompleted),
		entry("a2", 2, models.StatusWaiting),
		entry("a3", 3, models.StatusWaiting),
	}
	derived, _ := DeriveStatuses(entries, 2)
	for _, e := range derived {
		if e.TotalInQueue != 2 {
			t.Fatalf("entry %s: expected total 2, got %d", e.AppointmentID, e.TotalInQueue)
		}
	}
}

func TestEstimateWait(t *testing.T) {
	tests := []struct {
		name          string
		serial        int
		currentSerial int
		avg           int
		delay         int
		want          int
	}{
		{"current patient", 5, 5, 10, 0, 0},
		{"next in line", 6, 5, 10, 0, 10},
		{"three ahead with delay", 8, 5, 10, 15, 45},
		{"behind current", 3, 5, 10, 0, 0},
		{"delay only", 5, 5, 10, 20, 20},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := EstimateWait(tc.serial, tc.currentSerial, tc.avg, tc.delay); got != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, got)
			}
		})
	}
}

func TestHasSerial(t *testing.T) {
	entries := []models.QueueEntry{
		entry("a1", 1, models.StatusCompleted),
		entry("a2", 2, models.StatusWaiting),
	}
	if HasSerial(entries, 1) {
		t.Fatal("completed serial should not count")
	}
	if !HasSerial(entries, 2) {
		t.Fatal("active serial not found")
	}
	if HasSerial(entries, 3) {
		t.Fatal("missing serial reported present")
	}
}
