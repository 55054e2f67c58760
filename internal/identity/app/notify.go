package app

import (
	"context"
	"fmt"
	"time"

	"github.com/aelexs/identity-service/internal/domain"
)

// dispatchSMS sends under a bounded deadline. Any failure, including the
// deadline, surfaces as domain.ErrUnavailable so callers can retry.
func dispatchSMS(ctx context.Context, n SMSNotifier, timeout time.Duration, phone, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ref, err := n.SendSMS(ctx, phone, message)
	if err != nil {
		return "", fmt.Errorf("send sms: %w: %w", domain.ErrUnavailable, err)
	}
	return ref, nil
}

// dispatchEmail is the email counterpart of dispatchSMS.
func dispatchEmail(ctx context.Context, n EmailNotifier, timeout time.Duration, msg EmailMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := n.SendEmail(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("send email: %w: %w", domain.ErrUnavailable, err)
	}
	return id, nil
}
