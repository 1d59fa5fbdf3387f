package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/alejandrodnm/mitate/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Reporter escribiendo tablas en texto.
type Console struct {
	out     io.Writer
	payouts bool
}

// NewConsole crea un reporter que escribe a stdout. Con payouts=true también
// imprime el detalle de payouts de cada mercado resuelto.
func NewConsole(payouts bool) *Console {
	return &Console{out: os.Stdout, payouts: payouts}
}

// NewConsoleWriter crea un reporter para tests.
func NewConsoleWriter(w io.Writer, payouts bool) *Console {
	return &Console{out: w, payouts: payouts}
}

// Report imprime el cursor de sync, la tabla de mercados y, si corresponde,
// los payouts.
func (c *Console) Report(_ context.Context, r domain.StatusReport) error {
	sync := "never"
	if !r.LastSyncTime.IsZero() {
		sync = r.LastSyncTime.UTC().Format("2006-01-02 15:04:05")
	}
	fmt.Fprintf(c.out, "\n[%s] ledger #%d (synced %s) | %d events | %d markets\n",
		r.GeneratedAt.UTC().Format("15:04:05"), r.LastLedgerIndex, sync, r.EventCount, len(r.Markets))

	if len(r.Markets) == 0 {
		fmt.Fprintln(c.out, "  No markets found")
		return nil
	}

	c.printMarkets(r.Markets)

	if c.payouts {
		for _, s := range r.Markets {
			if len(s.Payouts) > 0 {
				c.printPayouts(s)
			}
		}
	}
	return nil
}

// printMarkets imprime una fila por mercado con pool y probabilidades.
func (c *Console) printMarkets(snaps []domain.MarketSnapshot) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Market", "Title", "Status", "Pool XRP", "Escrow XRP", "Odds", "Deadline")

	for i, s := range snaps {
		m := s.Market
		escrow := "-"
		if s.Escrow != nil {
			escrow = domain.FormatXRP(s.Escrow.Amount) + " " + string(s.Escrow.Status)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			m.ShortID(),
			truncate(m.Title, 32),
			statusLabel(m),
			domain.FormatXRP(m.PoolTotal),
			escrow,
			oddsLabel(s),
			m.BettingDeadline.UTC().Format("2006-01-02 15:04"),
		)
	}
	table.Render()
}

// printPayouts imprime el detalle de payouts de un mercado.
func (c *Console) printPayouts(s domain.MarketSnapshot) {
	fmt.Fprintf(c.out, "\n  Payouts %s (%s)\n", s.Market.ShortID(), truncate(s.Market.Title, 40))

	table := tablewriter.NewWriter(c.out)
	table.Header("Recipient", "XRP", "Status", "Tx")
	for _, p := range s.Payouts {
		tx := p.TxHash
		if p.Status == domain.PayoutFailed {
			tx = "! " + p.FailureReason
		}
		table.Append(p.Recipient, domain.FormatXRP(p.Amount), string(p.Status), truncate(tx, 16))
	}
	table.Render()
}

// --- helpers ---

func statusLabel(m domain.Market) string {
	if m.Status == domain.MarketResolved || m.Status == domain.MarketPaid {
		return string(m.Status) + " ✓"
	}
	return string(m.Status)
}

func oddsLabel(s domain.MarketSnapshot) string {
	parts := make([]string, 0, len(s.Outcomes))
	for i, o := range s.Outcomes {
		p := 0
		if i < len(s.Probabilities) {
			p = s.Probabilities[i]
		}
		mark := ""
		if o.ID == s.Market.ResolvedOutcomeID {
			mark = "*"
		}
		parts = append(parts, fmt.Sprintf("%s%s:%d%%", o.Key, mark, p))
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
