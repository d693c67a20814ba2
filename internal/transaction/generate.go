// SPDX-License-Identifier: Apache-2.0

package transaction

import (
	"encoding/csv"
	"encoding/xml"
	"fmt"
	"io"
	"math/rand/v2"
	"time"
)

// Format is a file format for generated transactions.
type Format string

const (
	FormatCSV Format = "csv"
	FormatXML Format = "xml"
)

// Generator produces reproducible sample transactions.
type Generator struct {
	rng      *rand.Rand
	accounts int
	start    time.Time
}

// NewGenerator creates a generator spreading transactions over the given
// number of accounts. The same seed always yields the same transactions.
func NewGenerator(seed uint64, accounts int) *Generator {
	if accounts <= 0 {
		accounts = 1
	}
	return &Generator{
		// #nosec G404 -- sample data does not need a cryptographic source
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		accounts: accounts,
		start:    time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Next returns the next transaction.
func (g *Generator) Next() Transaction {
	return Transaction{
		Account:   fmt.Sprintf("ACC-%04d", g.rng.IntN(g.accounts)+1),
		Amount:    Amount(g.rng.Int64N(2_000_00) - 1_000_00),
		Timestamp: g.start.Add(time.Duration(g.rng.Int64N(365*24*3600)) * time.Second),
	}
}

// Write writes n transactions to w in the given format.
func (g *Generator) Write(w io.Writer, format Format, n int) error {
	switch format {
	case FormatCSV:
		return g.writeCSV(w, n)
	case FormatXML:
		return g.writeXML(w, n)
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func (g *Generator) writeCSV(w io.Writer, n int) error {
	out := csv.NewWriter(w)
	for range n {
		t := g.Next()
		err := out.Write([]string{t.Account, t.Amount.String(), t.Timestamp.Format(TimestampLayout)})
		if err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

func (g *Generator) writeXML(w io.Writer, n int) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	root := xml.StartElement{Name: xml.Name{Local: "transactions"}}
	if err := enc.EncodeToken(root); err != nil {
		return err
	}
	for range n {
		if err := enc.Encode(g.Next()); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}
