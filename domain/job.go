package domain

import "time"

type JobStatus string

const (
	JobStatusAwaitingPayment JobStatus = "awaiting_payment"
	JobStatusRunning         JobStatus = "running"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusFailed          JobStatus = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type Job struct {
	ID        string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`

	// Payment correlation
	BlockchainIdentifier string `json:"-"`
	// PaymentStatus is the last value observed from the payment service.
	// Advisory only: it never drives a status transition.
	PaymentStatus string `json:"payment_status"`

	// Inputs (immutable once stored)
	Prompt                  string `json:"-"`
	IdentifierFromPurchaser string `json:"-"`

	// Result is set iff Status == Completed; Error iff Status == Failed.
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}
