package models

import "time"

type CaseStatus string

const (
	StatusPending  CaseStatus = "pending"
	StatusAssigned CaseStatus = "assigned"
	StatusActive   CaseStatus = "active"
	StatusClosed   CaseStatus = "closed"
)

// Open reports whether the status counts toward the one-open-case limit.
func (s CaseStatus) Open() bool {
	return s == StatusPending || s == StatusAssigned || s == StatusActive
}

// Engaged reports whether a responder is attached to the case.
func (s CaseStatus) Engaged() bool {
	return s == StatusAssigned || s == StatusActive
}

// Case is one support conversation between a requester and at most one responder.
// ResponderID and SupervisorID are zero when unset.
type Case struct {
	ID           string     `json:"id"`
	RequesterID  int64      `json:"requester_id"`
	Problem      string     `json:"problem"`
	Status       CaseStatus `json:"status"`
	ResponderID  int64      `json:"responder_id,omitempty"`
	SupervisorID int64      `json:"supervisor_id,omitempty"`
	Alias        string     `json:"alias,omitempty"`
	Done         bool       `json:"done"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Messages     []*Message `json:"messages,omitempty"`
}

// ShortID returns the first eight characters of the id.
func (c *Case) ShortID() string {
	return Prefix(c.ID, 8)
}

// Prefix returns at most n leading bytes of id.
func Prefix(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// CaseUpdate is a partial update; nil fields are left untouched.
// An empty Alias clears the alias.
type CaseUpdate struct {
	Status       *CaseStatus
	ResponderID  *int64
	SupervisorID *int64
	Alias        *string
	Done         *bool
}

// CaseFilter selects cases by equality; zero fields match everything.
type CaseFilter struct {
	RequesterID int64
	ResponderID int64
	Status      CaseStatus
}
