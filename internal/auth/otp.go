// otp.go

// One-time passcode generation. The code travels by email; its hash travels
// inside a signed delivery token (see internal/token). Presenting both
// proves control of the mailbox.
package auth

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// otpDigits is the length of generated passcodes.
const otpDigits = 6

// GenerateOTP returns a uniformly random zero-padded 6-digit code.
func GenerateOTP() (string, error) {
	max := big.NewInt(1)
	for range otpDigits {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generating otp: %w", err)
	}
	return fmt.Sprintf("%0*d", otpDigits, n), nil
}
