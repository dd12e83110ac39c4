package admission

import (
	"slices"

	"github.com/warp/admission-engine/domain"
)

// Transition is one edge of the applicant lifecycle.
type Transition struct {
	From domain.ApplicantStatus
	To   domain.ApplicantStatus
}

var validTransitions = map[Transition]bool{
	{domain.StatusNew, domain.StatusUnderReview}:      true, // Admin opened the file
	{domain.StatusNew, domain.StatusApproved}:         true, // Approved without explicit review
	{domain.StatusNew, domain.StatusRejected}:         true,
	{domain.StatusUnderReview, domain.StatusApproved}: true,
	{domain.StatusUnderReview, domain.StatusRejected}: true,
	{domain.StatusApproved, domain.StatusEnrolled}:    true, // Payment confirmed
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to domain.ApplicantStatus) bool {
	return validTransitions[Transition{from, to}]
}

// ValidTransitionsFrom returns the statuses reachable from from in one step.
func ValidTransitionsFrom(from domain.ApplicantStatus) []domain.ApplicantStatus {
	targets := make([]domain.ApplicantStatus, 0)
	for t := range validTransitions {
		if t.From == from {
			targets = append(targets, t.To)
		}
	}
	slices.Sort(targets)
	return targets
}

func checkTransition(a *domain.Applicant, to domain.ApplicantStatus) error {
	if CanTransition(a.Status, to) {
		return nil
	}
	return &domain.InvalidTransitionError{
		Entity: "applicant",
		ID:     string(a.ID),
		From:   string(a.Status),
		To:     string(to),
	}
}
