package notify

import (
	"fmt"
	"time"

	"nirnoy/realtime-service/internal/events"
	"nirnoy/realtime-service/internal/models"

	"github.com/google/uuid"
)

// Message construction for every push the broker emits. Each notification
// carries an English primary message and a Bangla variant.

func TurnSoon(appointmentID string, patientsAhead int) events.TurnSoon {
	return events.TurnSoon{
		AppointmentID: appointmentID,
		Message:       fmt.Sprintf("Your turn is coming up. %d patient(s) ahead of you.", patientsAhead),
		MessageBn:     fmt.Sprintf("আপনার পালা প্রায় চলে এসেছে। আপনার আগে %d জন রোগী আছেন।", patientsAhead),
		PatientsAhead: patientsAhead,
		Timestamp:     time.Now().UTC(),
	}
}

func YourTurn(appointmentID string) events.YourTurn {
	return events.YourTurn{
		AppointmentID: appointmentID,
		Message:       "It's your turn now. Please proceed to the chamber.",
		MessageBn:     "এখন আপনার পালা। অনুগ্রহ করে চেম্বারে যান।",
		Timestamp:     time.Now().UTC(),
	}
}

func Delay(chamberID string, delayMinutes int, custom string) events.Delay {
	message := fmt.Sprintf("The doctor is running %d minutes late.", delayMinutes)
	messageBn := fmt.Sprintf("ডাক্তার %d মিনিট দেরিতে আসবেন।", delayMinutes)
	if custom != "" {
		message = custom
	}
	return events.Delay{
		ChamberID:    chamberID,
		Message:      message,
		MessageBn:    messageBn,
		DelayMinutes: delayMinutes,
		Timestamp:    time.Now().UTC(),
	}
}

func Completed(appointmentID string) events.Completed {
	return events.Completed{
		AppointmentID: appointmentID,
		Message:       "Your consultation is complete. Get well soon.",
		MessageBn:     "আপনার পরামর্শ সম্পন্ন হয়েছে। দ্রুত সুস্থ হয়ে উঠুন।",
		Timestamp:     time.Now().UTC(),
	}
}

func DoctorMessage(chamberID, message string, messageBn *string) events.Message {
	return events.Message{
		ChamberID: chamberID,
		Message:   message,
		MessageBn: messageBn,
		Timestamp: time.Now().UTC(),
	}
}

func Reminder(appointmentID string, scheduledAt time.Time) events.Reminder {
	return events.Reminder{
		AppointmentID: appointmentID,
		Message:       fmt.Sprintf("Reminder: your appointment is at %s.", scheduledAt.Local().Format("3:04 PM")),
		Timestamp:     time.Now().UTC(),
	}
}

// Record converts a delivered envelope and its already-decoded payload
// into the client-side notification log entry. Status events are state,
// not notifications, and are skipped.
func Record(env events.Envelope, payload interface{}) (models.QueueNotification, bool) {
	notification := models.QueueNotification{
		NotificationID: uuid.NewString(),
		Type:           string(env.Type),
		CreatedAt:      env.CreatedAt,
	}
	switch p := payload.(type) {
	case *events.TurnSoon:
		notification.AppointmentID = p.AppointmentID
		notification.Message = p.Message
		notification.MessageBn = p.MessageBn
		ahead := p.PatientsAhead
		notification.PatientsAhead = &ahead
	case *events.YourTurn:
		notification.AppointmentID = p.AppointmentID
		notification.Message = p.Message
		notification.MessageBn = p.MessageBn
	case *events.Delay:
		notification.ChamberID = p.ChamberID
		notification.Message = p.Message
		notification.MessageBn = p.MessageBn
		minutes := p.DelayMinutes
		notification.DelayMinutes = &minutes
	case *events.Message:
		notification.ChamberID = p.ChamberID
		notification.Message = p.Message
		if p.MessageBn != nil {
			notification.MessageBn = *p.MessageBn
		}
	case *events.Completed:
		notification.AppointmentID = p.AppointmentID
		notification.Message = p.Message
		notification.MessageBn = p.MessageBn
	case *events.Reminder:
		notification.AppointmentID = p.AppointmentID
		notification.Message = p.Message
	default:
		return models.QueueNotification{}, false
	}
	return notification, true
}
