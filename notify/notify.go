// Package notify delivers the "payment link required" signal raised when an
// applicant is approved.
package notify

import (
	"context"
	"net/url"

	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
)

// LogNotifier writes the signal to the log. Used when no mail provider is
// configured.
type LogNotifier struct {
	Logger     *logger.Logger
	PaymentURL string
}

func NewLogNotifier(log *logger.Logger, paymentURL string) *LogNotifier {
	return &LogNotifier{Logger: log, PaymentURL: paymentURL}
}

func (n *LogNotifier) PaymentLinkRequired(_ context.Context, a domain.Applicant) error {
	n.Logger.Infow("payment link required",
		"applicant_id", a.ID,
		"email", a.Email,
		"final_fee", a.FinalFee.Decimal.String(),
		"payment_scheme", a.PaymentScheme,
		"link", PaymentLink(n.PaymentURL, a.ID),
	)
	return nil
}

// PaymentLink appends the applicant id to the frontend payment page URL.
func PaymentLink(base string, id domain.ApplicantID) string {
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return base
	}
	q := u.Query()
	q.Set("applicant", string(id))
	u.RawQuery = q.Encode()
	return u.String()
}
