package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/warp/admission-engine/domain"
	"github.com/warp/admission-engine/logger"
)

const (
	DefaultSendgridHost = "https://api.sendgrid.com"
	sendgridEndpoint    = "/v3/mail/send"
)

type SendgridConfig struct {
	APIKey     string
	Host       string
	FromName   string
	FromEmail  string
	PaymentURL string
}

// SendgridNotifier mails the applicant their payment link.
type SendgridNotifier struct {
	cfg    SendgridConfig
	from   *sgmail.Email
	logger *logger.Logger
}

func NewSendgridNotifier(cfg SendgridConfig, log *logger.Logger) *SendgridNotifier {
	if cfg.Host == "" {
		cfg.Host = DefaultSendgridHost
	}
	return &SendgridNotifier{
		cfg:    cfg,
		from:   sgmail.NewEmail(cfg.FromName, cfg.FromEmail),
		logger: log,
	}
}

func (n *SendgridNotifier) PaymentLinkRequired(_ context.Context, a domain.Applicant) error {
	link := PaymentLink(n.cfg.PaymentURL, a.ID)

	req := sendgrid.GetRequest(n.cfg.APIKey, sendgridEndpoint, n.cfg.Host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(n.prepare(a, link))

	res, err := sendgrid.API(req)
	if err != nil {
		return &domain.ExternalServiceError{Service: "sendgrid", Op: "send payment link", Cause: err}
	}
	if res.StatusCode >= http.StatusBadRequest {
		return &domain.ExternalServiceError{
			Service: "sendgrid",
			Op:      "send payment link",
			Cause:   errors.Newf("status %d: %s", res.StatusCode, res.Body),
		}
	}
	n.logger.Infow("payment link sent", "applicant_id", a.ID, "status", res.StatusCode)
	return nil
}

func (n *SendgridNotifier) prepare(a domain.Applicant, link string) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = "Your admission is approved: complete your payment"
	p.AddTos(sgmail.NewEmail(a.Name, a.Email))

	text := fmt.Sprintf("Hi %s,\n\nYour application has been approved. Fee payable: Rs %s (%s).\nPay here: %s\n",
		a.Name, a.FinalFee.Decimal.String(), a.PaymentScheme, link)
	html := fmt.Sprintf(`<p>Hi %s,</p><p>Your application has been approved. Fee payable: Rs %s (%s).</p><p><a href="%s">Complete your payment</a></p>`,
		a.Name, a.FinalFee.Decimal.String(), a.PaymentScheme, link)

	m := sgmail.NewV3Mail()
	m.SetFrom(n.from)
	m.AddPersonalizations(p)
	m.AddContent(
		sgmail.NewContent("text/plain", text),
		sgmail.NewContent("text/html", html),
	)
	return m
}
