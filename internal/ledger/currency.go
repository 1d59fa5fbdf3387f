// Package ledger holds the pure wire-level pieces of the settlement core:
// 160-bit currency codes, the MITATE memo envelope, ledger epoch conversion
// and the unsigned transaction builders. Nothing here performs I/O.
package ledger

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/alejandrodnm/mitate/internal/domain"
)

const (
	// currencyMarker in byte 0 tells the ledger the code is non-standard.
	currencyMarker  = 0x02
	currencyLen     = 20
	currencyPayload = currencyLen - 1
	currencySep     = ':'
)

var ErrBadCurrency = errors.New("ledger: bad currency code")

// Currency is a 160-bit non-standard currency identifier.
type Currency [currencyLen]byte

// String renders the code as 40 uppercase hex characters.
func (c Currency) String() string {
	return strings.ToUpper(hex.EncodeToString(c[:]))
}

// EncodeCurrency builds the code of an outcome: 0x02 followed by
// "<first 8 chars of marketID>:<outcomeKey>" in UTF-8, zero padded.
func EncodeCurrency(marketID, outcomeKey string) (Currency, error) {
	var c Currency
	short := domain.ShortID(marketID)
	switch {
	case short == "":
		return c, fmt.Errorf("%w: empty market id", ErrBadCurrency)
	case outcomeKey == "":
		return c, fmt.Errorf("%w: empty outcome key", ErrBadCurrency)
	case strings.ContainsRune(short, currencySep):
		return c, fmt.Errorf("%w: market id %q contains separator", ErrBadCurrency, short)
	case strings.ContainsRune(short, 0) || strings.ContainsRune(outcomeKey, 0):
		return c, fmt.Errorf("%w: NUL byte in code", ErrBadCurrency)
	case !utf8.ValidString(short) || !utf8.ValidString(outcomeKey):
		return c, fmt.Errorf("%w: invalid UTF-8", ErrBadCurrency)
	}

	payload := short + string(currencySep) + outcomeKey
	if len(payload) > currencyPayload {
		return c, fmt.Errorf("%w: %q exceeds %d bytes", ErrBadCurrency, payload, currencyPayload)
	}
	c[0] = currencyMarker
	copy(c[1:], payload)
	return c, nil
}

// DecodeCurrency reverses EncodeCurrency, returning the short market id and
// the outcome key.
func DecodeCurrency(c Currency) (shortID, outcomeKey string, err error) {
	if c[0] != currencyMarker {
		return "", "", fmt.Errorf("%w: marker 0x%02x", ErrBadCurrency, c[0])
	}
	payload := bytes.TrimRight(c[1:], "\x00")
	if !utf8.Valid(payload) {
		return "", "", fmt.Errorf("%w: invalid UTF-8", ErrBadCurrency)
	}
	i := bytes.IndexByte(payload, currencySep)
	if i <= 0 || i == len(payload)-1 {
		return "", "", fmt.Errorf("%w: missing separator", ErrBadCurrency)
	}
	return string(payload[:i]), string(payload[i+1:]), nil
}

// ParseCurrency reads a 40-char hex code (either case).
func ParseCurrency(s string) (Currency, error) {
	var c Currency
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != currencyLen {
		return c, fmt.Errorf("%w: %q is not 20 hex bytes", ErrBadCurrency, s)
	}
	copy(c[:], raw)
	return c, nil
}

// OutcomeCurrency is EncodeCurrency rendered as hex, as stored on outcomes.
func OutcomeCurrency(marketID, outcomeKey string) (string, error) {
	c, err := EncodeCurrency(marketID, outcomeKey)
	if err != nil {
		return "", err
	}
	return c.String(), nil
}
