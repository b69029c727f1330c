package utilities

import (
	"crypto/rand"
	"math/big"
)

// DigitSource produces numeric codes. CryptoDigits is the production source.
type DigitSource interface {
	Digits(n int) (string, error)
}

// CryptoDigits draws every digit independently and uniformly from 0-9 using crypto/rand.
type CryptoDigits struct{}

var ten = big.NewInt(10)

func (CryptoDigits) Digits(n int) (string, error) { return RandomDigits(n) }

// RandomDigits returns n random ASCII digits. Leading zeros are kept.
func RandomDigits(n int) (string, error) {
	b := make([]byte, n)
	for i := range b {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", err
		}
		b[i] = byte('0' + d.Int64())
	}
	return string(b), nil
}
