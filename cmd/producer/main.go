package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"ledger-stream/internal/config"
	"ledger-stream/internal/observability"
	"ledger-stream/internal/outbox"
	"ledger-stream/internal/postgres"
	"ledger-stream/pkg/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// producer records one transaction request: it opens the account if needed
// and enqueues the event in the same local transaction. The relay publishes
// it afterwards.
func main() {
	account := flag.String("account", "", "bank account id")
	txType := flag.String("type", "DEPOSIT", "DEPOSIT, WITHDRAWAL or PAYMENT")
	amount := flag.String("amount", "", "transaction amount")
	category := flag.String("category", "general", "transaction category")
	target := flag.String("target", "", "target account for PAYMENT")
	flag.Parse()

	cfg := config.Load()
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	ev, err := buildEvent(*account, *txType, *amount, *category, *target)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if cfg.Postgres.DSN == "" {
		logger.Fatal("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := enqueue(ctx, cfg, ev, logger); err != nil {
		logger.WithError(err).Fatal("Failed to enqueue transaction")
	}
	logger.WithFields(logrus.Fields{
		"event_id": ev.ID,
		"account":  ev.BankAccountID,
		"type":     ev.Type,
		"amount":   ev.Value.String(),
	}).Info("Transaction enqueued")
}

func buildEvent(account, txType, amount, category, target string) (models.TransactionEvent, error) {
	t, err := models.ParseTransactionType(txType)
	if err != nil {
		return models.TransactionEvent{}, err
	}
	value, err := decimal.NewFromString(amount)
	if err != nil {
		return models.TransactionEvent{}, fmt.Errorf("invalid amount %q: %w", amount, err)
	}

	ev := models.TransactionEvent{
		ID:            uuid.NewString(),
		Value:         value,
		Type:          t,
		Category:      category,
		CreatedDate:   time.Now().UTC(),
		BankAccountID: account,
	}
	if target != "" {
		ev.SourceAccount = &account
		ev.TargetAccount = &target
	}
	return ev, ev.Validate()
}

func enqueue(ctx context.Context, cfg *config.Config, ev models.TransactionEvent, logger *logrus.Logger) error {
	pg, err := postgres.Connect(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	rec, err := outbox.NewRecord("Account", ev.BankAccountID, "Transaction"+ev.Type.String(), payload)
	if err != nil {
		return err
	}

	repo := postgres.NewOutboxRepository(pg.DB, logger)
	return pg.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		accounts := postgres.NewLedgerStore(tx, logger)
		if err := accounts.EnsureAccount(ctx, models.Account{ID: ev.BankAccountID}); err != nil {
			return err
		}
		if ev.TargetAccount != nil {
			if err := accounts.EnsureAccount(ctx, models.Account{ID: *ev.TargetAccount}); err != nil {
				return err
			}
		}
		return repo.InsertWithTx(ctx, tx, rec)
	})
}
