package server

import (
	"slipsync/internal/domain"
)

// Request payloads

type ExportCaseRequest struct {
	CaseID           *string        `json:"case_id,omitempty"`
	ParentCaseID     *string        `json:"parent_case_id,omitempty"`
	JobNumber        string         `json:"job_number"`
	CaseKind         string         `json:"case_kind"`
	System           string         `json:"system,omitempty"`
	SheetPhase       string         `json:"sheet_phase,omitempty" enum:"montage,demontage"`
	Totals           TotalsPayload  `json:"totals"`
	Content          map[string]any `json:"content,omitempty"`
	JSONContent      *string        `json:"json_content,omitempty"`
	IfMatchUpdatedAt *string        `json:"if_match_updated_at,omitempty" format:"date-time"`
}

type ApproveCaseRequest struct {
	SheetPhase       string  `json:"sheet_phase,omitempty" enum:"montage,demontage"`
	IfMatchUpdatedAt *string `json:"if_match_updated_at,omitempty" format:"date-time"`
}

type SetCaseStatusRequest struct {
	Status           string  `json:"status" enum:"demontage_in_progress,done"`
	IfMatchUpdatedAt *string `json:"if_match_updated_at,omitempty" format:"date-time"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	TeamID  string `json:"team_id"`
	Role    string `json:"role,omitempty" enum:"member,owner,admin"`
	Email   string `json:"email,omitempty"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type TotalsPayload struct {
	Materials float64 `json:"materials"`
	Montage   float64 `json:"montage"`
	Demontage float64 `json:"demontage"`
	Total     float64 `json:"total"`
	Hours     float64 `json:"hours"`
}

type SheetSnapshotResponse struct {
	Totals     TotalsPayload  `json:"totals"`
	Content    map[string]any `json:"content,omitempty"`
	ExportedAt string         `json:"exported_at" format:"date-time"`
	ExportedBy string         `json:"exported_by,omitempty"`
}

type ReceiptResponse struct {
	Totals      TotalsPayload `json:"totals"`
	GeneratedAt string        `json:"generated_at" format:"date-time"`
}

type AttachmentsResponse struct {
	Montage   *SheetSnapshotResponse `json:"montage,omitempty"`
	Demontage *SheetSnapshotResponse `json:"demontage,omitempty"`
	Receipt   *ReceiptResponse       `json:"receipt,omitempty"`
}

type CaseResponse struct {
	CaseID         string              `json:"case_id"`
	TeamID         string              `json:"team_id"`
	ParentCaseID   *string             `json:"parent_case_id,omitempty"`
	JobNumber      string              `json:"job_number"`
	CaseKind       string              `json:"case_kind"`
	System         string              `json:"system,omitempty"`
	Totals         TotalsPayload       `json:"totals"`
	Status         string              `json:"status" enum:"draft,ready,approved,demontage_in_progress,done,deleted"`
	Phase          string              `json:"phase" enum:"draft,ready_for_demontage,completed"`
	Attachments    AttachmentsResponse `json:"attachments"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
	LastUpdatedAt  string              `json:"last_updated_at" format:"date-time"`
	CreatedBy      string              `json:"created_by"`
	CreatedByEmail string              `json:"created_by_email,omitempty"`
	CreatedByName  string              `json:"created_by_name,omitempty"`
	UpdatedBy      string              `json:"updated_by,omitempty"`
	LastEditorSub  string              `json:"last_editor_sub,omitempty"`
	JSONContent    *string             `json:"json_content,omitempty"`
	DeletedAt      *string             `json:"deleted_at,omitempty" format:"date-time"`
	DeletedBy      *string             `json:"deleted_by,omitempty"`
}

type paginatedCases struct {
	Items      []CaseResponse `json:"items"`
	Total      int            `json:"total"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type caseDeltaResponse struct {
	Cases          []CaseResponse `json:"cases"`
	DeletedCaseIDs []string       `json:"deleted_case_ids"`
	MaxUpdatedAt   string         `json:"max_updated_at,omitempty" format:"date-time"`
	MaxID          string         `json:"max_id,omitempty"`
	HasMore        bool           `json:"has_more"`
}

type AuditEntryResponse struct {
	ID      int64   `json:"id"`
	TeamID  string  `json:"team_id"`
	CaseID  *string `json:"case_id,omitempty"`
	Action  string  `json:"action"`
	Actor   string  `json:"actor"`
	Summary string  `json:"summary,omitempty"`
	TS      string  `json:"ts" format:"date-time"`
}

type WhoAmIResponse struct {
	Sub    string `json:"sub"`
	TeamID string `json:"team_id"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	Name   string `json:"name,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func totalsPayload(t domain.Totals) TotalsPayload {
	return TotalsPayload{Materials: t.Materials, Montage: t.Montage, Demontage: t.Demontage, Total: t.Total, Hours: t.Hours}
}

func domainTotals(t TotalsPayload) domain.Totals {
	return domain.Totals{Materials: t.Materials, Montage: t.Montage, Demontage: t.Demontage, Total: t.Total, Hours: t.Hours}
}

func snapshotResponse(s *domain.SheetSnapshot) *SheetSnapshotResponse {
	if s == nil {
		return nil
	}
	return &SheetSnapshotResponse{
		Totals:     totalsPayload(s.Totals),
		Content:    s.Content,
		ExportedAt: s.ExportedAt,
		ExportedBy: s.ExportedBy,
	}
}

func caseResponse(c domain.Case) CaseResponse {
	resp := CaseResponse{
		CaseID:         c.CaseID,
		TeamID:         c.TeamID,
		ParentCaseID:   c.ParentCaseID,
		JobNumber:      c.JobNumber,
		CaseKind:       c.CaseKind,
		System:         c.System,
		Totals:         totalsPayload(c.Totals),
		Status:         string(c.Status),
		Phase:          string(c.Phase),
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
		LastUpdatedAt:  c.LastUpdatedAt,
		CreatedBy:      c.CreatedBy,
		CreatedByEmail: c.CreatedByEmail,
		CreatedByName:  c.CreatedByName,
		UpdatedBy:      c.UpdatedBy,
		LastEditorSub:  c.LastEditorSub,
		JSONContent:    c.JSONContent,
		DeletedAt:      c.DeletedAt,
		DeletedBy:      c.DeletedBy,
	}
	resp.Attachments.Montage = snapshotResponse(c.Attachments.Montage)
	resp.Attachments.Demontage = snapshotResponse(c.Attachments.Demontage)
	if r := c.Attachments.Receipt; r != nil {
		resp.Attachments.Receipt = &ReceiptResponse{Totals: totalsPayload(r.Totals), GeneratedAt: r.GeneratedAt}
	}
	return resp
}

func mapCases(in []domain.Case) []CaseResponse {
	out := make([]CaseResponse, 0, len(in))
	for _, c := range in {
		out = append(out, caseResponse(c))
	}
	return out
}

func auditEntryResponse(e domain.AuditEntry) AuditEntryResponse {
	return AuditEntryResponse{ID: e.ID, TeamID: e.TeamID, CaseID: e.CaseID, Action: e.Action, Actor: e.Actor, Summary: e.Summary, TS: e.TS}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
