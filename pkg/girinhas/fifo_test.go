package girinhas

import (
	"errors"
	"testing"
)

func fifoBatch(test *testing.T, id string, remaining int64, expiresAtUnixUTC int64) Batch {
	test.Helper()
	batchID, err := NewBatchID(id)
	if err != nil {
		test.Fatalf("batch id: %v", err)
	}
	return Batch{
		BatchID:          batchID,
		OriginalCents:    AmountCents(remaining),
		RemainingCents:   AmountCents(remaining),
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}
}

func TestPlanDebitPrefersSoonestExpiring(test *testing.T) {
	test.Parallel()
	now := int64(1_000)
	batches := []Batch{
		fifoBatch(test, "late", 3_000, now+400),
		fifoBatch(test, "early", 5_000, now+100),
	}
	refs, err := planDebit(batches, 6_000, now)
	if err != nil {
		test.Fatalf("plan: %v", err)
	}
	if len(refs) != 2 {
		test.Fatalf("expected two consumptions, got %d", len(refs))
	}
	if refs[0].BatchID.String() != "early" || refs[0].ConsumedCents != 5_000 {
		test.Fatalf("first consumption must drain the earliest batch: %+v", refs[0])
	}
	if refs[1].BatchID.String() != "late" || refs[1].ConsumedCents != 1_000 {
		test.Fatalf("second consumption must take the remainder: %+v", refs[1])
	}
}

func TestPlanDebitLeavesLaterBatchUntouchedWhenEarlierSuffices(test *testing.T) {
	test.Parallel()
	now := int64(1_000)
	batches := []Batch{
		fifoBatch(test, "early", 5_000, now+100),
		fifoBatch(test, "late", 3_000, now+400),
	}
	refs, err := planDebit(batches, 2_000, now)
	if err != nil {
		test.Fatalf("plan: %v", err)
	}
	if len(refs) != 1 || refs[0].BatchID.String() != "early" {
		test.Fatalf("later batch touched while earlier has remaining: %+v", refs)
	}
}

func TestPlanDebitSkipsExpiredAndEmptyBatches(test *testing.T) {
	test.Parallel()
	now := int64(1_000)
	expired := fifoBatch(test, "expired", 9_000, now-1)
	empty := fifoBatch(test, "empty", 5_000, now+100)
	empty.RemainingCents = 0
	live := fifoBatch(test, "live", 2_000, now+200)

	refs, err := planDebit([]Batch{expired, empty, live}, 2_000, now)
	if err != nil {
		test.Fatalf("plan: %v", err)
	}
	if len(refs) != 1 || refs[0].BatchID.String() != "live" {
		test.Fatalf("plan consumed a dead batch: %+v", refs)
	}
}

func TestPlanDebitAllOrNothing(test *testing.T) {
	test.Parallel()
	now := int64(1_000)
	batches := []Batch{fifoBatch(test, "only", 1_000, now+100)}
	if _, err := planDebit(batches, 1_001, now); !errors.Is(err, ErrInsufficientBalance) {
		test.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestPlanDebitRejectsNonPositiveAmounts(test *testing.T) {
	test.Parallel()
	if _, err := planDebit(nil, 0, 0); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}
