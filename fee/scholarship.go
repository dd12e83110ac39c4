package fee

import "github.com/warp/admission-engine/domain"

// MinGovernmentSchoolYears is the tenure that makes an applicant eligible.
const MinGovernmentSchoolYears = 2

// ScholarshipPercentage derives the scholarship from the intake answers:
// 95 for long-tenure government school and low income, 50 for long-tenure
// government school alone, 0 otherwise.
func ScholarshipPercentage(isGovernmentSchool bool, yearsInGovernmentSchool int, isLowIncome bool) int {
	if !isGovernmentSchool || yearsInGovernmentSchool < MinGovernmentSchoolYears {
		return 0
	}
	if isLowIncome {
		return 95
	}
	return 50
}

// NewScholarshipRecord builds the pending record created at intake.
func NewScholarshipRecord(id domain.ApplicantID, isGovernmentSchool bool, years int, isLowIncome bool) *domain.ScholarshipRecord {
	if years < 0 {
		years = 0
	}
	return &domain.ScholarshipRecord{
		ApplicantID:             id,
		IsGovernmentSchool:      isGovernmentSchool,
		YearsInGovernmentSchool: years,
		IsLowIncome:             isLowIncome,
		Percentage:              ScholarshipPercentage(isGovernmentSchool, years, isLowIncome),
		VerificationStatus:      domain.VerificationPending,
	}
}

// InputFor builds calculator input for an applicant from its scholarship
// record, so the percentage and its verification come from storage rather
// than from the caller.
func InputFor(rec *domain.ScholarshipRecord, in Input) Input {
	if rec != nil {
		in.ScholarshipPercentage = rec.Percentage
		in.ScholarshipVerified = rec.Verified()
	} else {
		in.ScholarshipPercentage = 0
		in.ScholarshipVerified = false
	}
	return in
}
