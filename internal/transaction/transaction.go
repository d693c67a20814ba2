// SPDX-License-Identifier: Apache-2.0

// Package transaction defines the account transaction record loaded by the
// demo jobs, along with its CSV, XML, and SQL mappings.
package transaction

import (
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the layout of timestamps in every input format.
const TimestampLayout = "2006-01-02 15:04:05"

// Transaction is a single movement of money on an account.
type Transaction struct {
	Account   string
	Amount    Amount
	Timestamp time.Time
}

// Amount is a monetary amount in hundredths of the currency unit.
type Amount int64

var errAmountSyntax = errors.New("invalid amount")

// ParseAmount parses a decimal such as "-12.5" or "1024.99".
//
// At most two fractional digits are accepted.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	negative := strings.HasPrefix(s, "-")
	digits := strings.TrimLeft(s, "+-")
	whole, frac, _ := strings.Cut(digits, ".")
	if whole == "" && frac == "" || len(frac) > 2 || len(s)-len(digits) > 1 {
		return 0, fmt.Errorf("%w %q", errAmountSyntax, s)
	}
	if whole == "" {
		whole = "0"
	}
	frac += strings.Repeat("0", 2-len(frac))
	units, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", errAmountSyntax, s, err)
	}
	if units > math.MaxInt64/100-1 {
		return 0, fmt.Errorf("%w %q: out of range", errAmountSyntax, s)
	}
	cents, err := strconv.ParseUint(frac, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w %q: %w", errAmountSyntax, s, err)
	}
	a := Amount(units*100 + cents)
	if negative {
		a = -a
	}
	return a, nil
}

// String formats the amount with two fractional digits.
func (a Amount) String() string {
	sign := ""
	v := int64(a)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

// MarshalText implements encoding.TextMarshaler.
func (a Amount) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Amount) UnmarshalText(text []byte) error {
	v, err := ParseAmount(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseTimestamp parses a timestamp in [TimestampLayout], in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	return time.ParseInLocation(TimestampLayout, strings.TrimSpace(s), time.UTC)
}

// xmlTransaction is the element layout of a <transaction> fragment.
type xmlTransaction struct {
	XMLName   xml.Name `xml:"transaction"`
	Account   string   `xml:"account"`
	Amount    Amount   `xml:"amount"`
	Timestamp string   `xml:"timestamp"`
}

// UnmarshalXML decodes a <transaction> element.
func (t *Transaction) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var raw xmlTransaction
	if err := d.DecodeElement(&raw, &start); err != nil {
		return err
	}
	ts, err := ParseTimestamp(raw.Timestamp)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	*t = Transaction{Account: raw.Account, Amount: raw.Amount, Timestamp: ts}
	return nil
}

// MarshalXML encodes t as a <transaction> element.
func (t Transaction) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	return e.Encode(xmlTransaction{
		Account:   t.Account,
		Amount:    t.Amount,
		Timestamp: t.Timestamp.UTC().Format(TimestampLayout),
	})
}
