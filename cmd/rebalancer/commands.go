package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alpha_rebalancer/internal/agent"
	"alpha_rebalancer/internal/reconcile"

	"github.com/spf13/cobra"
)

func runPass(cmd *cobra.Command, _ []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a.serveMetrics(ctx)

	return a.exclusive(ctx, func(ctx context.Context) error {
		if _, err := a.reconcileStep(ctx); err != nil {
			a.notify(ctx, fmt.Sprintf("⚠️ *Sync failed*, pass skipped: %v", err))
			return err
		}
		rep, err := a.agent().Run(ctx)
		a.notify(ctx, rep.Summary())
		fmt.Println(rep.Summary())
		return err
	})
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	return a.exclusive(cmd.Context(), func(ctx context.Context) error {
		out, err := a.reconcileStep(ctx)
		fmt.Print(out)
		return err
	})
}

// reconcileStep settles submissions earlier runs left open, then adopts
// broker holdings. Settling first books a found fill before Sync compares
// lots, so the fill is neither counted twice nor refused by the hold check.
func (a *app) reconcileStep(ctx context.Context) (string, error) {
	r := a.reconciler()
	var sb strings.Builder

	res, err := r.ResolveUncertain(ctx)
	if err != nil {
		return sb.String(), fmt.Errorf("resolve uncertain: %w", err)
	}
	for _, x := range res {
		fmt.Fprintf(&sb, "• %s %d %s: %s\n", x.Record.Side, x.Record.Quantity, x.Record.Ticker, x.Status)
	}

	rep, err := r.Sync(ctx)
	if err != nil {
		return sb.String(), fmt.Errorf("sync: %w", err)
	}
	fmt.Fprintf(&sb, "🔄 Sync: trades %d -> %d\n", rep.TradesBefore, rep.TradesAfter)
	for _, c := range rep.Changes {
		fmt.Fprintf(&sb, "• %s\n", c)
	}
	a.metrics.SetTradesUsed(rep.TradesAfter)
	return sb.String(), nil
}

func runAudit(cmd *cobra.Command, _ []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := a.loadLedger(); err != nil {
		return err
	}
	auditor := reconcile.NewAuditor(a.surface, a.universe, a.ledger, a.cfg.MaxOrderQty, a.log)

	rep, err := auditor.Audit(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("📋 Open orders: %d (%d buys, %d sells)\n", rep.Total, rep.Buys, rep.Sells)
	for _, d := range rep.Duplicates {
		fmt.Printf("• duplicate %s %d %s (%s)\n", d.Side, d.Quantity, d.Ticker, d.ID)
	}
	for _, inv := range rep.Invalid {
		fmt.Printf("• invalid %s %d %s: %s\n", inv.Order.Side, inv.Order.Quantity, inv.Order.Ticker, inv.Reason)
	}
	for _, w := range rep.Warnings {
		fmt.Printf("⚠️ %s\n", w)
	}
	if rep.Healthy() {
		fmt.Println("✅ Queue healthy")
	}

	if !cancelDupes || len(rep.Duplicates) == 0 {
		return nil
	}
	return a.exclusive(ctx, func(ctx context.Context) error {
		n, err := auditor.CancelDuplicates(ctx)
		fmt.Printf("Cancelled %d duplicate orders\n", n)
		return err
	})
}

func runStatus(_ *cobra.Command, _ []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}
	if err := a.loadLedger(); err != nil {
		return err
	}
	fmt.Print(agent.StatusReport(a.ledger, a.cfg.MaxTradesTotal, time.Now().In(a.cfg.Location())))
	return nil
}
