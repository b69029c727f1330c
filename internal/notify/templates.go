package notify

import (
	"fmt"
	"time"
)

// OTPEmail builds the registration verification mail.
func OTPEmail(to, code string, ttl time.Duration) Message {
	minutes := int(ttl / time.Minute)
	return Message{
		To:      to,
		Subject: "Account registration verification code",
		Text: fmt.Sprintf("Your verification code is: %s\nThe code is valid for %d minutes.\n\n"+
			"If you did not request this code, you can ignore this email.", code, minutes),
		HTML: fmt.Sprintf(otpHTML, code, minutes),
	}
}

const otpHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"></head>
<body style="font-family: Arial, sans-serif; color: #333; line-height: 1.6;">
  <div style="max-width: 600px; margin: 0 auto; padding: 20px;">
    <h2>Verify your email</h2>
    <p>Use the following code to finish creating your account:</p>
    <div style="font-size: 32px; font-weight: bold; letter-spacing: 6px; text-align: center; margin: 20px 0; padding: 15px; background: #f3f4f6; border-radius: 8px;">%s</div>
    <p><strong>The code is valid for %d minutes.</strong></p>
    <p style="font-size: 12px; color: #6b7280;">If you did not request this code, you can ignore this email.</p>
  </div>
</body>
</html>`
