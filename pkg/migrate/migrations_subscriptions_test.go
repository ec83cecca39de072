package migrate_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSubscriptionsMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_subscriptions.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no subscriptions migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS subscriptions",
		"CONSTRAINT uq_subscriptions_stripe_subscription_id UNIQUE (stripe_subscription_id)",
		"CHECK (NOT cancel_at_period_end OR canceled_at IS NOT NULL)",
		"WHERE status IN ('active', 'trialing')",
		"DROP TABLE IF EXISTS subscriptions",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestPaymentHistoryMigrationContainsConstraints(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("migrations", "*_create_payment_history.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no payment history migration file found")
	}

	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	content := string(data)

	checks := []string{
		"CREATE TABLE IF NOT EXISTS payment_records",
		"CONSTRAINT uq_payment_records_stripe_payment_intent_id UNIQUE (stripe_payment_intent_id)",
		"CHECK (amount_cents >= 0)",
		"FOREIGN KEY (subscription_id) REFERENCES subscriptions(id) ON DELETE SET NULL",
		"DROP TABLE IF EXISTS payment_records",
	}

	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}
