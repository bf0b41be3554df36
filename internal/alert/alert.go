// Package alert delivers loud notifications for the one unrecoverable
// condition in the sync core: rollback failure leaving the device with no
// known-good model.
package alert

import (
	"fmt"
	"log"
	"os"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
)

type Notifier interface {
	Notify(subject, body string) error
}

// EmailNotifier sends alerts through SendGrid. Configured from the
// FROM_NAME, FROM_ADDRESS, ALERT_ADDRESS and EMAIL_API_KEY environment
// variables.
type EmailNotifier struct{}

func (EmailNotifier) Notify(subject, body string) error {
	to := os.Getenv("ALERT_ADDRESS")
	if to == "" {
		return fmt.Errorf("ALERT_ADDRESS is not set")
	}

	from := mail.NewEmail(os.Getenv("FROM_NAME"), os.Getenv("FROM_ADDRESS"))
	toEmail := mail.NewEmail("", to)
	email := mail.NewSingleEmail(from, subject, toEmail, body, body)
	client := sendgrid.NewSendClient(os.Getenv("EMAIL_API_KEY"))

	response, err := client.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	log.Printf("Alert sent to %s (status: %d)", to, response.StatusCode)
	return nil
}

// LogNotifier writes alerts to the process log. Used when no email
// transport is configured; the alert must still be impossible to miss.
type LogNotifier struct{}

func (LogNotifier) Notify(subject, body string) error {
	log.Printf("ALERT: %s: %s", subject, body)
	return nil
}
