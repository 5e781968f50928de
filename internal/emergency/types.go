package emergency

import "time"

// RiskLevel classifies a break-glass request.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// WorkflowStatus is the aggregate approval state.
type WorkflowStatus string

const (
	StatusPending  WorkflowStatus = "PENDING"
	StatusApproved WorkflowStatus = "APPROVED"
	StatusRejected WorkflowStatus = "REJECTED"
	StatusExpired  WorkflowStatus = "EXPIRED"
)

// VoteStatus is one approver's recorded position.
type VoteStatus string

const (
	VotePending  VoteStatus = "PENDING"
	VoteApproved VoteStatus = "APPROVED"
	VoteRejected VoteStatus = "REJECTED"
)

// DefaultApprovalWindow bounds how long a request may wait for votes.
const DefaultApprovalWindow = 30 * time.Minute

// Access is a break-glass grant. It is created inactive and becomes active
// only when its workflow reaches APPROVED; it auto-expires at EndTime and
// may be revoked early.
type Access struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	OrganizationID string    `json:"organization_id"`
	ResourceType   string    `json:"resource_type"`
	ResourceID     string    `json:"resource_id"`
	Reason         string    `json:"reason"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time,omitempty"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Live reports whether the grant is usable at the given instant. Expiry is
// enforced here, at read time, so a missed background sweep can never leave
// an overdue grant effective.
func (a *Access) Live(now time.Time) bool {
	return a != nil && a.Active && a.EndTime.After(now)
}

// Vote is one approver's entry on a workflow. A re-vote by the same
// approver overwrites this entry rather than appending a second one.
type Vote struct {
	UserID    string     `json:"user_id"`
	Role      string     `json:"role"`
	Status    VoteStatus `json:"status"`
	Timestamp time.Time  `json:"timestamp,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Workflow wraps exactly one Access and is the authority on its activation.
type Workflow struct {
	ID                string         `json:"id"`
	EmergencyAccessID string         `json:"emergency_access_id"`
	OrganizationID    string         `json:"organization_id"`
	RequiredApprovals int            `json:"required_approvals"`
	Approvers         []Vote         `json:"approvers"`
	Status            WorkflowStatus `json:"status"`
	ExpiresAt         time.Time      `json:"expires_at"`
	RiskLevel         RiskLevel      `json:"risk_level"`
	PostAccessReview  bool           `json:"post_access_review"`
	ReviewCompleted   bool           `json:"review_completed"`
	ReviewNotes       string         `json:"review_notes,omitempty"`
	// Version guards concurrent vote recording; every store update must
	// compare-and-swap on it.
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ApprovedCount counts APPROVED votes.
func (w *Workflow) ApprovedCount() int {
	return w.countVotes(VoteApproved)
}

// RejectedCount counts REJECTED votes.
func (w *Workflow) RejectedCount() int {
	return w.countVotes(VoteRejected)
}

func (w *Workflow) countVotes(status VoteStatus) int {
	n := 0
	for _, v := range w.Approvers {
		if v.Status == status {
			n++
		}
	}
	return n
}

// RejectionFinal reports whether approval has become arithmetically
// impossible: more rejections than the workflow can absorb.
func (w *Workflow) RejectionFinal() bool {
	return w.RejectedCount() > len(w.Approvers)-w.RequiredApprovals
}

// VoteIndex locates the approver's entry, or -1 when the user is not an
// eligible approver on this workflow.
func (w *Workflow) VoteIndex(userID string) int {
	for i, v := range w.Approvers {
		if v.UserID == userID {
			return i
		}
	}
	return -1
}

// Approver is a user eligible to vote, resolved from the directory.
type Approver struct {
	UserID string
	Role   string
}
