// Package workflow is the pure case state machine. It computes the next
// (status, phase) for an action without touching storage; callers apply
// the result.
package workflow

import (
	"fmt"
	"math"

	"slipsync/internal/domain"
	"slipsync/internal/fault"
)

// Result is the state a case lands in after a legal transition.
type Result struct {
	Status domain.Status
	Phase  domain.Phase
}

// DerivePhase maps a status (plus the sheet hint active during a
// transition) to its client grouping bucket. This is the only place
// phase is computed.
func DerivePhase(status domain.Status, hint domain.SheetPhase) domain.Phase {
	switch {
	case status.IsDraft():
		return domain.PhaseDraft
	case hint == domain.SheetPhaseMontage:
		// A montage re-export on a non-draft case files it under the
		// demontage-pending bucket regardless of how far it progressed.
		return domain.PhaseReadyForDemontage
	case status == domain.StatusDone:
		return domain.PhaseCompleted
	case status == domain.StatusDeleted:
		return domain.PhaseCompleted
	default: // approved, demontage_in_progress
		return domain.PhaseReadyForDemontage
	}
}

// Transition computes the next state for an action against the current
// status. It returns a typed fault for every (action, status) pair not
// explicitly legal.
func Transition(action domain.Action, current domain.Status, hint domain.SheetPhase, isCreator bool) (Result, error) {
	switch action {
	case domain.ActionExportMontage:
		if !isCreator {
			return Result{}, fault.ForbiddenError{Reason: "only the creator may export the montage sheet"}
		}
		next := current
		if current.IsDraft() {
			next = domain.StatusDraft
		}
		// Re-export from any later state keeps the status (idempotent).
		return Result{Status: next, Phase: DerivePhase(next, domain.SheetPhaseMontage)}, nil

	case domain.ActionExportDemontage:
		switch {
		case current == domain.StatusDone:
			return Result{}, fault.ConflictError{Reason: "case already completed"}
		case current.IsDraft():
			if hint == domain.SheetPhaseDemontage {
				// Demontage-only record created without a montage phase.
				return Result{Status: domain.StatusDone, Phase: DerivePhase(domain.StatusDone, hint)}, nil
			}
			return Result{}, fault.ForbiddenError{Reason: "montage must be approved first"}
		case current == domain.StatusApproved, current == domain.StatusDemontageInProgress:
			return Result{Status: domain.StatusDone, Phase: DerivePhase(domain.StatusDone, hint)}, nil
		default:
			return Result{}, fault.ConflictError{Reason: fmt.Sprintf("invalid status %s for demontage export", current)}
		}

	case domain.ActionApprove:
		switch {
		case current.IsDraft():
			if !isCreator {
				return Result{}, fault.ForbiddenError{Reason: "only the creator may approve"}
			}
			return Result{Status: domain.StatusApproved, Phase: DerivePhase(domain.StatusApproved, hint)}, nil
		case current == domain.StatusDemontageInProgress && hint == domain.SheetPhaseDemontage:
			return Result{Status: domain.StatusDone, Phase: DerivePhase(domain.StatusDone, hint)}, nil
		case current == domain.StatusApproved && hint == domain.SheetPhaseMontage:
			return Result{}, fault.ConflictError{Reason: "already approved"}
		case current == domain.StatusDone:
			return Result{}, fault.ConflictError{Reason: "case already completed"}
		case current == domain.StatusDemontageInProgress:
			return Result{}, fault.ConflictError{Reason: "approval of a running demontage requires a demontage sheet"}
		default:
			return Result{}, fault.ConflictError{Reason: fmt.Sprintf("invalid status %s for approval", current)}
		}

	case domain.ActionSetDemontageInProgress:
		switch current {
		case domain.StatusApproved:
			return Result{Status: domain.StatusDemontageInProgress, Phase: DerivePhase(domain.StatusDemontageInProgress, hint)}, nil
		case domain.StatusDone:
			return Result{}, fault.ConflictError{Reason: "case already completed"}
		default:
			return Result{}, fault.ConflictError{Reason: fmt.Sprintf("invalid transition %s -> %s", current, domain.StatusDemontageInProgress)}
		}

	case domain.ActionSetDone:
		switch current {
		case domain.StatusApproved, domain.StatusDemontageInProgress, domain.StatusDone:
			// Already-done is a no-op success.
			return Result{Status: domain.StatusDone, Phase: DerivePhase(domain.StatusDone, hint)}, nil
		default:
			return Result{}, fault.ConflictError{Reason: fmt.Sprintf("invalid transition %s -> %s", current, domain.StatusDone)}
		}
	}
	return Result{}, fault.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
}

// BuildReceipt sums the montage and demontage sheet totals field by
// field, treating missing or non-finite values as zero. Called exactly
// when a transition lands on done.
func BuildReceipt(montage, demontage *domain.SheetSnapshot, generatedAt string) domain.Receipt {
	var m, d domain.Totals
	if montage != nil {
		m = montage.Totals
	}
	if demontage != nil {
		d = demontage.Totals
	}
	return domain.Receipt{
		Totals: domain.Totals{
			Materials: finite(m.Materials) + finite(d.Materials),
			Montage:   finite(m.Montage) + finite(d.Montage),
			Demontage: finite(m.Demontage) + finite(d.Demontage),
			Total:     finite(m.Total) + finite(d.Total),
			Hours:     finite(m.Hours) + finite(d.Hours),
		},
		GeneratedAt: generatedAt,
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
