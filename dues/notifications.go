package dues

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/generic"
	"github.com/warp/dues-engine/jobs"
	"github.com/warp/dues-engine/notify"
)

// =============================================================================
// DUE REMINDERS
// =============================================================================

// EnqueueReminders queues one due_reminder job per active period whose due
// date falls within the organization's reminder window. The period is
// stamped in the same transaction, so a period is reminded at most once.
func (e *Engine) EnqueueReminders(ctx context.Context) error {
	periods, err := e.Store.RemindablePeriods(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remindable periods: %w", err)
	}

	today := e.today()
	queued := 0
	for _, p := range periods {
		settings, err := e.settings(ctx, e.Store, p.OrgID)
		if err != nil {
			return err
		}
		days := generic.DaysBetween(today, p.DueDate)
		if days < 0 || days > settings.ReminderDaysBefore {
			continue
		}

		marked := false
		err = e.Store.WithTx(ctx, func(tx Tx) error {
			ok, err := tx.MarkReminderSent(ctx, p.ID, e.now())
			if err != nil || !ok {
				return err
			}
			marked = true
			_, err = e.enqueue(ctx, tx, jobs.DueReminder{OrgID: p.OrgID, PeriodID: p.ID})
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to queue reminder for period %s: %w", p.ID, err)
		}
		if marked {
			queued++
		}
	}

	if queued > 0 {
		e.Log.Info("due reminders queued", zap.Int("count", queued))
	}
	return nil
}

// =============================================================================
// NOTIFICATION HANDLERS
// =============================================================================

// Notifications turns notification jobs into messages.
type Notifications struct {
	Store    Store
	Notifier notify.Notifier
	Log      *zap.Logger
}

func NewNotifications(store Store, n notify.Notifier, log *zap.Logger) *Notifications {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifications{Store: store, Notifier: n, Log: log.Named("notifications")}
}

// Register adds every notification handler to w.
func (n *Notifications) Register(w *jobs.Worker) *jobs.Worker {
	return w.
		Handle(jobs.TypePaymentRecorded, n.HandlePaymentRecorded).
		Handle(jobs.TypePaymentCancelled, n.HandlePaymentCancelled).
		Handle(jobs.TypeDueReminder, n.HandleDueReminder)
}

func (n *Notifications) HandlePaymentRecorded(ctx context.Context, job jobs.Job, payload jobs.Payload) error {
	p, ok := payload.(jobs.PaymentRecorded)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, job.Type)
	}
	payment, err := n.Store.Payment(ctx, p.PaymentID)
	if err != nil {
		return err
	}
	return n.notifyUnitOf(ctx, p.ChargeID, "Payment received", func(unit string) string {
		return fmt.Sprintf("A payment of %s for unit %s was recorded on %s. Receipt number: %s.",
			payment.Amount.StringFixed(2), unit, payment.PaidAt.Format(generic.DateLayout), payment.ReceiptNumber)
	})
}

func (n *Notifications) HandlePaymentCancelled(ctx context.Context, job jobs.Job, payload jobs.Payload) error {
	p, ok := payload.(jobs.PaymentCancelled)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, job.Type)
	}
	payment, err := n.Store.Payment(ctx, p.PaymentID)
	if err != nil {
		return err
	}
	return n.notifyUnitOf(ctx, p.ChargeID, "Payment cancelled", func(unit string) string {
		return fmt.Sprintf("The payment with receipt number %s for unit %s was cancelled.", payment.ReceiptNumber, unit)
	})
}

func (n *Notifications) HandleDueReminder(ctx context.Context, job jobs.Job, payload jobs.Payload) error {
	p, ok := payload.(jobs.DueReminder)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", payload, job.Type)
	}
	period, err := n.Store.Period(ctx, p.PeriodID)
	if err != nil {
		return err
	}
	charges, err := n.Store.Charges(ctx, period.OrgID, period.ID)
	if err != nil {
		return err
	}

	units := make(map[string]bool)
	for _, c := range charges {
		if isOpen(c.Status) {
			units[c.UnitID] = true
		}
	}
	unitIDs := make([]string, 0, len(units))
	for id := range units {
		unitIDs = append(unitIDs, id)
	}
	sort.Strings(unitIDs)

	sent := 0
	for _, unitID := range unitIDs {
		recipients, err := n.Store.UnitRecipients(ctx, unitID)
		if err != nil {
			return err
		}
		msg, ok := message(recipients, "Dues reminder: "+period.Name, func(unit string) string {
			return fmt.Sprintf("Dues for unit %s in %s are due on %s.", unit, period.Name, period.DueDate)
		})
		if !ok {
			continue
		}
		if err := n.Notifier.Notify(ctx, msg); err != nil {
			return fmt.Errorf("failed to notify unit %s: %w", unitID, err)
		}
		sent++
	}

	n.Log.Info("due reminder delivered", zap.String("period_id", period.ID), zap.Int("units", sent))
	return nil
}

func (n *Notifications) notifyUnitOf(ctx context.Context, chargeID, subject string, body func(unit string) string) error {
	charge, err := n.Store.Charge(ctx, chargeID)
	if err != nil {
		return err
	}
	recipients, err := n.Store.UnitRecipients(ctx, charge.UnitID)
	if err != nil {
		return err
	}
	msg, ok := message(recipients, subject, body)
	if !ok {
		n.Log.Debug("no recipients", zap.String("charge_id", chargeID))
		return nil
	}
	return n.Notifier.Notify(ctx, msg)
}

// message addresses every recipient with an email. ok is false when nobody
// can be reached.
func message(recipients []Recipient, subject string, body func(unit string) string) (notify.Message, bool) {
	var (
		to   []string
		unit string
	)
	for _, r := range recipients {
		unit = r.UnitNumber
		if r.Email != "" {
			to = append(to, r.Email)
		}
	}
	if len(to) == 0 {
		return notify.Message{}, false
	}
	return notify.Message{To: to, Subject: subject, Body: body(unit)}, true
}
