package models

import "github.com/google/uuid"

// Condition statuses
const (
	ConditionStatusPending   = "PENDING"
	ConditionStatusFulfilled = "FULFILLED"
	ConditionStatusWithdrawn = "WITHDRAWN"
)

func IsValidConditionStatus(s string) bool {
	switch s {
	case ConditionStatusPending, ConditionStatusFulfilled, ConditionStatusWithdrawn:
		return true
	}
	return false
}

type Condition struct {
	ID          uuid.UUID `json:"id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	Notes       *string   `json:"notes,omitempty"`
}
