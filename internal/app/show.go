package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Jpdsbarbosa/daily-balance-v2/internal/storage"
)

// Show prints the current merchant balances next to their midnight values.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	balances, err := a.loadBalances(ctx)
	if err != nil {
		return err
	}
	if len(balances) == 0 {
		fmt.Fprintln(os.Stdout, "no merchant balances found")
		return nil
	}
	writeBalances(os.Stdout, balances, opts.Limit)
	return nil
}

// loadBalances opens a one-off session and reads today's balances, largest first.
func (a *App) loadBalances(ctx context.Context) ([]storage.MerchantBalance, error) {
	src, loc, err := a.openSource()
	if err != nil {
		return nil, err
	}
	sess, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer sess.Close(context.WithoutCancel(ctx))

	balances, err := sess.MerchantBalances(ctx, storage.DayStart(time.Now(), loc))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(balances, func(i, j int) bool {
		return balances[i].Current.GreaterThan(balances[j].Current)
	})
	return balances, nil
}

func writeBalances(w io.Writer, balances []storage.MerchantBalance, limit int) {
	if limit > 0 && len(balances) > limit {
		balances = balances[:limit]
	}
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Merchant\tName\tCurrent\tMidnight\tMovement")
	for _, b := range balances {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			b.MerchantID,
			sanitizeInline(b.Name),
			b.Current.StringFixed(2),
			b.Midnight().StringFixed(2),
			b.NetMovement.StringFixed(2),
		)
	}
	writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
