package domain

import (
	"fmt"
	"time"
)

// Status is the fine-grained workflow state of a case.
type Status string

const (
	StatusDraft Status = "draft"
	// StatusReady is a legacy synonym for draft kept for rows written by
	// older clients; it is treated identically to draft everywhere.
	StatusReady               Status = "ready"
	StatusApproved            Status = "approved"
	StatusDemontageInProgress Status = "demontage_in_progress"
	StatusDone                Status = "done"
	StatusDeleted             Status = "deleted"
)

// IsDraft reports whether the status is draft or its legacy synonym.
func (s Status) IsDraft() bool {
	return s == StatusDraft || s == StatusReady
}

// ParseStatus validates a client-supplied status string.
func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusDraft, StatusReady, StatusApproved, StatusDemontageInProgress, StatusDone, StatusDeleted:
		return Status(v), nil
	}
	return "", fmt.Errorf("unknown status %q", v)
}

// Phase is the coarse client-side grouping bucket derived from status.
type Phase string

const (
	PhaseDraft             Phase = "draft"
	PhaseReadyForDemontage Phase = "ready_for_demontage"
	PhaseCompleted         Phase = "completed"
)

// ParsePhase validates a client-supplied phase filter.
func ParsePhase(v string) (Phase, error) {
	switch Phase(v) {
	case PhaseDraft, PhaseReadyForDemontage, PhaseCompleted:
		return Phase(v), nil
	}
	return "", fmt.Errorf("unknown phase %q", v)
}

// Action is a client-visible mutation on a case.
type Action string

const (
	ActionExportMontage          Action = "export_montage"
	ActionExportDemontage        Action = "export_demontage"
	ActionApprove                Action = "approve"
	ActionSetDemontageInProgress Action = "set_demontage_in_progress"
	ActionSetDone                Action = "set_done"
	ActionSoftDelete             Action = "soft_delete"
)

// SheetPhase hints which sheet an export or approval refers to.
type SheetPhase string

const (
	SheetPhaseNone      SheetPhase = ""
	SheetPhaseMontage   SheetPhase = "montage"
	SheetPhaseDemontage SheetPhase = "demontage"
)

// ParseSheetPhase validates a client-supplied phase hint. Empty is allowed.
func ParseSheetPhase(v string) (SheetPhase, error) {
	switch SheetPhase(v) {
	case SheetPhaseNone, SheetPhaseMontage, SheetPhaseDemontage:
		return SheetPhase(v), nil
	}
	return "", fmt.Errorf("unknown sheet phase %q", v)
}

// Totals is the numeric summary of a slip.
type Totals struct {
	Materials float64 `json:"materials"`
	Montage   float64 `json:"montage"`
	Demontage float64 `json:"demontage"`
	Total     float64 `json:"total"`
	Hours     float64 `json:"hours"`
}

// SheetSnapshot is a montage or demontage sheet captured at export time.
type SheetSnapshot struct {
	Totals     Totals         `json:"totals"`
	Content    map[string]any `json:"content,omitempty"`
	ExportedAt string         `json:"exported_at" format:"date-time"`
	ExportedBy string         `json:"exported_by,omitempty"`
}

// Receipt is the computed summary stored when a case reaches done.
type Receipt struct {
	Totals      Totals `json:"totals"`
	GeneratedAt string `json:"generated_at" format:"date-time"`
}

// Attachments holds the three named payload slots of a case.
type Attachments struct {
	Montage   *SheetSnapshot `json:"montage,omitempty"`
	Demontage *SheetSnapshot `json:"demontage,omitempty"`
	Receipt   *Receipt       `json:"receipt,omitempty"`
}

// Case is the shared work-slip aggregate.
type Case struct {
	CaseID         string      `json:"case_id"`
	TeamID         string      `json:"team_id"`
	ParentCaseID   *string     `json:"parent_case_id,omitempty"`
	JobNumber      string      `json:"job_number"`
	CaseKind       string      `json:"case_kind"`
	System         string      `json:"system,omitempty"`
	Totals         Totals      `json:"totals"`
	Status         Status      `json:"status"`
	Phase          Phase       `json:"phase"`
	Attachments    Attachments `json:"attachments"`
	CreatedAt      string      `json:"created_at" format:"date-time"`
	UpdatedAt      string      `json:"updated_at" format:"date-time"`
	LastUpdatedAt  string      `json:"last_updated_at" format:"date-time"`
	CreatedBy      string      `json:"created_by"`
	CreatedByEmail string      `json:"created_by_email,omitempty"`
	CreatedByName  string      `json:"created_by_name,omitempty"`
	UpdatedBy      string      `json:"updated_by,omitempty"`
	LastEditorSub  string      `json:"last_editor_sub,omitempty"`
	JSONContent    *string     `json:"json_content,omitempty"`
	DeletedAt      *string     `json:"deleted_at,omitempty" format:"date-time"`
	DeletedBy      *string     `json:"deleted_by,omitempty"`
}

// Deleted reports whether the case is a tombstone.
func (c Case) Deleted() bool {
	return c.DeletedAt != nil
}

// AuditEntry records one accepted mutation.
type AuditEntry struct {
	ID      int64   `json:"id"`
	TeamID  string  `json:"team_id"`
	CaseID  *string `json:"case_id,omitempty"`
	Action  string  `json:"action"`
	Actor   string  `json:"actor"`
	Summary string  `json:"summary,omitempty"`
	TS      string  `json:"ts" format:"date-time"`
}

// Team owns cases; cases never move between teams.
type Team struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Actor is the authenticated principal acting on a team's cases.
type Actor struct {
	Sub    string
	Email  string
	Name   string
	TeamID string
	Role   Role
}

// Role is the team-level authorization tier of an actor.
type Role string

const (
	RoleMember Role = "member"
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
)

// Privileged reports whether the role may see drafts of other members
// and soft-deleted cases.
func (r Role) Privileged() bool {
	return r == RoleOwner || r == RoleAdmin
}

// TimeLayout is the stored timestamp format: fixed-width RFC3339 with
// nanoseconds, always UTC, so lexicographic order equals chronological
// order and SQL string comparisons are keyset-safe.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders a timestamp in the stored layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime reads a stored timestamp back.
func ParseTime(v string) (time.Time, error) {
	return time.Parse(TimeLayout, v)
}

// NextTimestamp returns now in the stored layout, bumped one nanosecond
// past prev if the clock has not advanced, keeping the sync high-water
// mark strictly increasing per case.
func NextTimestamp(now time.Time, prev string) string {
	v := FormatTime(now)
	if prev == "" || v > prev {
		return v
	}
	if p, err := ParseTime(prev); err == nil {
		return FormatTime(p.Add(time.Nanosecond))
	}
	return v
}
