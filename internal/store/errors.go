package store

import "errors"

var (
	ErrChamberNotFound     = errors.New("chamber not found")
	ErrEntryNotFound       = errors.New("queue entry not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrEntryCompleted      = errors.New("queue entry already completed")
	ErrDuplicateSerial     = errors.New("serial number already taken")
)
