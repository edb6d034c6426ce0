package model

import "time"

// Response is the envelope every REST endpoint answers with. Exactly one of
// Data and Error is set; Pagination accompanies run and event listings.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Run history page sizes.
const (
	DefaultRunLimit = 20
	MaxRunLimit     = 100
)

// ListOptions selects a page of run history, newest first. A zero Status
// lists runs in every status.
type ListOptions struct {
	Limit  int
	Offset int
	Status RunStatus
}

// DefaultListOptions returns the first page of all runs.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultRunLimit}
}

// Clamp keeps Limit within 1..MaxRunLimit and Offset non-negative.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = DefaultRunLimit
	}
	if o.Limit > MaxRunLimit {
		o.Limit = MaxRunLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// Page returns the pagination for a page of n runs out of total matching.
func (o ListOptions) Page(n, total int) *Pagination {
	o.Clamp()
	return &Pagination{
		Total:   total,
		Limit:   o.Limit,
		Offset:  o.Offset,
		HasMore: o.Offset+n < total,
	}
}
