package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/alejandrodnm/criptex/internal/domain"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

// Console implementa ports.Notifier escribiendo una línea por liquidación,
// y sabe imprimir el reporte de estado del motor.
type Console struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// NotifySettled imprime la liquidación en una línea compacta.
func (c *Console) NotifySettled(_ context.Context, p domain.Prediction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := fmt.Fprintln(c.out, settledLine(p))
	return err
}

// Report es la foto que imprime `report`.
type Report struct {
	GeneratedAt time.Time
	System      domain.PredictionStats
	Users       []domain.PredictionStats
	Recent      []domain.Prediction
	QueueDepth  int
}

// PrintReport imprime estadísticas y las predicciones recientes en tablas.
func (c *Console) PrintReport(r Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprintf(c.out, "\n[%s] prediction engine report\n", r.GeneratedAt.UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(c.out, "  automatic: %s total, %s active, accuracy %.1f%%\n",
		humanize.Comma(int64(r.System.Total)), humanize.Comma(int64(r.System.Active)), r.System.Accuracy())
	if r.QueueDepth > 0 {
		fmt.Fprintf(c.out, "  pending settlement: %d\n", r.QueueDepth)
	}

	if len(r.Users) > 0 {
		fmt.Fprintln(c.out)
		table := tablewriter.NewWriter(c.out)
		table.Header("Owner", "Total", "Active", "Won", "Lost", "No data", "Accuracy", "Staked", "Paid")
		for _, s := range r.Users {
			table.Append(
				s.OwnerID,
				humanize.Comma(int64(s.Total)),
				humanize.Comma(int64(s.Active)),
				humanize.Comma(int64(s.Won)),
				humanize.Comma(int64(s.Lost)),
				humanize.Comma(int64(s.NoData)),
				fmt.Sprintf("%.1f%%", s.Accuracy()),
				humanize.Comma(s.TotalStaked),
				humanize.Comma(s.TotalPayout),
			)
		}
		table.Render()
	}

	if len(r.Recent) == 0 {
		fmt.Fprintln(c.out, "  no predictions yet")
		return
	}

	fmt.Fprintln(c.out)
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Owner", "Symbol", "Dir", "TF", "Entry", "Result", "Conf", "Status", "Expiry")
	for i, p := range r.Recent {
		result := "-"
		if p.ResultPrice != nil {
			result = formatPrice(*p.ResultPrice)
		}
		table.Append(
			fmt.Sprintf("%d", i+1),
			truncate(p.OwnerID, 12),
			p.Symbol,
			string(p.Direction),
			p.Timeframe.String(),
			formatPrice(p.EntryPrice),
			result,
			fmt.Sprintf("%.0f", p.ConfidenceScore),
			string(p.Status),
			humanize.RelTime(p.ExpiryTime, r.GeneratedAt, "ago", "from now"),
		)
	}
	table.Render()
	fmt.Fprintln(c.out)
}

// --- helpers ---

func settledLine(p domain.Prediction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s %s %s %s", settledAt(p).Format("15:04:05"), statusIcon(p.Status), p.Symbol, p.Direction, p.Timeframe)
	fmt.Fprintf(&sb, " entry %s", formatPrice(p.EntryPrice))
	if p.ResultPrice != nil {
		fmt.Fprintf(&sb, " → %s", formatPrice(*p.ResultPrice))
	}
	fmt.Fprintf(&sb, " %s", p.Status)
	if p.IsAutomatic() {
		sb.WriteString(" (auto)")
	} else {
		fmt.Fprintf(&sb, " owner=%s stake=%d payout=%d", p.OwnerID, p.StakeAmount, p.Payout)
	}
	return sb.String()
}

func settledAt(p domain.Prediction) time.Time {
	if p.SettledAt != nil {
		return p.SettledAt.UTC()
	}
	return p.ExpiryTime.UTC()
}

func statusIcon(s domain.PredictionStatus) string {
	switch s {
	case domain.StatusWon:
		return "[W]"
	case domain.StatusLost:
		return "[L]"
	case domain.StatusExpiredNoData:
		return "[?]"
	default:
		return "[ ]"
	}
}

// formatPrice usa separador de miles y más decimales para precios chicos.
func formatPrice(p float64) string {
	switch {
	case p >= 1000:
		return "$" + humanize.CommafWithDigits(p, 2)
	case p >= 1:
		return fmt.Sprintf("$%.2f", p)
	default:
		return fmt.Sprintf("$%.6f", p)
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
