// Package email delivers outbound conversation replies and escalation
// notifications via SendGrid.
package email

import (
	"fmt"
	"strings"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"helpdesk/internal/models"
)

// Service sends emails via SendGrid.
type Service struct {
	apiKey       string
	supportEmail string
	fromEmail    string
}

// NewService creates an email service instance.
func NewService(apiKey, supportEmail, fromEmail string) *Service {
	return &Service{
		apiKey:       apiKey,
		supportEmail: supportEmail,
		fromEmail:    fromEmail,
	}
}

// SendReply delivers one queued conversation reply to the customer.
func (s *Service) SendReply(mailbox *models.Mailbox, conv *models.Conversation, msg *models.Message) error {
	if s.apiKey == "" {
		return fmt.Errorf("SendGrid API key not configured")
	}
	if conv.EmailFrom == nil || *conv.EmailFrom == "" {
		return fmt.Errorf("conversation %d has no customer email", conv.ID)
	}
	if msg.Body == nil || *msg.Body == "" {
		return fmt.Errorf("message %d has no body", msg.ID)
	}

	subject := "Re: your support request"
	if conv.Subject != nil && *conv.Subject != "" {
		subject = "Re: " + *conv.Subject
	}

	from := mail.NewEmail(mailbox.Name, s.fromEmail)
	to := mail.NewEmail("", *conv.EmailFrom)

	plain := ""
	if msg.CleanedUpText != nil {
		plain = *msg.CleanedUpText
	}
	message := mail.NewSingleEmail(from, subject, to, plain, *msg.Body)

	if len(msg.EmailCc) > 0 && len(message.Personalizations) > 0 {
		for _, cc := range msg.EmailCc {
			if strings.Contains(cc, "@") {
				message.Personalizations[0].AddCCs(mail.NewEmail("", cc))
			}
		}
	}

	return s.send(message)
}

// SendEscalationNotice alerts the support team that a conversation was
// handed off for human attention. The mailbox's configured escalation body
// is used when present.
func (s *Service) SendEscalationNotice(mailbox *models.Mailbox, conv *models.Conversation, reason string) error {
	if s.apiKey == "" {
		return fmt.Errorf("SendGrid API key not configured")
	}

	customer := "unknown"
	if conv.EmailFrom != nil {
		customer = *conv.EmailFrom
	}

	body := fmt.Sprintf("A conversation needs human attention.\n\nMailbox: %s\nCustomer: %s\nReason: %s\nConversation: %s",
		mailbox.Name, customer, reason, conv.Slug)
	if mailbox.EscalationBody != nil && *mailbox.EscalationBody != "" {
		body = *mailbox.EscalationBody + "\n\n" + body
	}

	from := mail.NewEmail(mailbox.Name, s.fromEmail)
	to := mail.NewEmail("Support Team", s.supportEmail)
	message := mail.NewSingleEmail(from, "Conversation escalated: "+conv.Slug, to, body, body)

	return s.send(message)
}

func (s *Service) send(message *mail.SGMailV3) error {
	client := sendgrid.NewSendClient(s.apiKey)
	response, err := client.Send(message)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("SendGrid API error: status %d, body: %s", response.StatusCode, response.Body)
	}
	return nil
}
