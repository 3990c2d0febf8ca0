package queue

import "nirnoy/realtime-service/internal/models"

// Inconsistency marks an entry whose serial fell behind the current serial
// without an explicit completion. Callers log these; they are never
// reclassified here.
type Inconsistency struct {
	AppointmentID string
	SerialNumber  int
	Status        string
}

// DeriveStatuses recomputes the status of every active entry for a chamber
// given the current serial. Completed entries keep their status. The
// returned slice is a copy; the input is not mutated.
func DeriveStatuses(entries []models.QueueEntry, currentSerial int) ([]models.QueueEntry, []Inconsistency) {
	derived := make([]models.QueueEntry, len(entries))
	copy(derived, entries)

	active := 0
	for _, entry := range derived {
		if entry.Status != models.StatusCompleted {
			active++
		}
	}

	var inconsistencies []Inconsistency
	for i := range derived {
		entry := &derived[i]
		entry.TotalInQueue = active
		if entry.Status == models.StatusCompleted {
			continue
		}
		switch {
		case entry.SerialNumber == currentSerial:
			entry.Status = models.StatusCurrent
		case entry.SerialNumber == currentSerial+1:
			entry.Status = models.StatusNext
		case entry.SerialNumber > currentSerial+1:
			entry.Status = models.StatusWaiting
		default:
			// Serial fell behind without a completion. Left untouched.
			inconsistencies = append(inconsistencies, Inconsistency{
				AppointmentID: entry.AppointmentID,
				SerialNumber:  entry.SerialNumber,
				Status:        entry.Status,
			})
		}
	}
	return derived, inconsistencies
}

// PatientsAhead counts how many consultations stand between an entry and
// the chair. Never negative.
func PatientsAhead(serial, currentSerial int) int {
	if serial <= currentSerial {
		return 0
	}
	return serial - currentSerial
}

// EstimateWait computes the projected wait in minutes for an entry:
// positions ahead times the average consult time, plus the announced delay.
func EstimateWait(serial, currentSerial, averageConsultMinutes, delayMinutes int) int {
	wait := PatientsAhead(serial, currentSerial)*averageConsultMinutes + delayMinutes
	if wait < 0 {
		return 0
	}
	return wait
}

// HasSerial reports whether any non-completed entry carries the serial.
func HasSerial(entries []models.QueueEntry, serial int) bool {
	for _, entry := range entries {
		if entry.SerialNumber == serial && entry.Status != models.StatusCompleted {
			return true
		}
	}
	return false
}
