package domain

import "time"

// Request is the owning workflow entity, specified only at its boundary:
// the validation subsystem reads it to find its creator and samples, and
// writes back COMPLETED or FAILED. Its CRUD lives elsewhere.
type Request struct {
	ID        string        `json:"id"`
	CreatorID string        `json:"creator_id"`
	Status    RequestStatus `json:"status"`
	UpdatedAt time.Time     `json:"updated_at"`
}
