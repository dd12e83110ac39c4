package admission

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/warp/admission-engine/domain"
)

// Submission is the raw intake payload.
type Submission struct {
	Name            string                `json:"name" validate:"required"`
	Email           string                `json:"email" validate:"required,email"`
	Mobile          string                `json:"mobile" validate:"required,mobile_in"`
	Gender          string                `json:"gender" validate:"required"`
	School          string                `json:"school" validate:"required"`
	Board           string                `json:"board" validate:"required"`
	Class           string                `json:"class" validate:"required"`
	CourseInterest  string                `json:"course_interest" validate:"required"`
	BatchPreference string                `json:"batch_preference" validate:"required"`
	SourceCategory  domain.SourceCategory `json:"source_category" validate:"omitempty,oneof=friend_referral social_media search other"`
	ReferrerName    string                `json:"referrer_name" validate:"required_if=SourceCategory friend_referral"`

	IsGovernmentSchool      bool `json:"is_government_school"`
	YearsInGovernmentSchool int  `json:"years_in_government_school" validate:"gte=0"`
	IsLowIncome             bool `json:"is_low_income"`
}

var mobilePattern = regexp.MustCompile(`^[6-9][0-9]{9}$`)

var fieldMessages = map[string]string{
	"required":    "is required",
	"required_if": "is required for friend referrals",
	"email":       "must be a valid email address",
	"mobile_in":   "must be 10 digits starting with 6-9",
	"oneof":       "is not a recognised value",
	"gte":         "must not be negative",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("mobile_in", func(fl validator.FieldLevel) bool {
		return mobilePattern.MatchString(fl.Field().String())
	})
	return v
}

// normalize trims whitespace from every text field.
func (s *Submission) normalize() {
	for _, f := range []*string{
		&s.Name, &s.Email, &s.Mobile, &s.Gender, &s.School, &s.Board,
		&s.Class, &s.CourseInterest, &s.BatchPreference, &s.ReferrerName,
	} {
		*f = strings.TrimSpace(*f)
	}
	s.SourceCategory = domain.SourceCategory(strings.TrimSpace(string(s.SourceCategory)))
}

// Validate reports every violated field at once.
func (s *Submission) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate submission")
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		fields[fe.Field()] = msg
	}
	return &domain.ValidationError{Fields: fields}
}
