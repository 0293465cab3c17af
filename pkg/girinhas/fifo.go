package girinhas

import "sort"

// planDebit selects which batches satisfy a debit, consuming the soonest-expiring
// batch first. The plan is all-or-nothing: if the live batches cannot cover the
// amount, ErrInsufficientBalance is returned and nothing is consumed.
//
// Expiring-first ordering is deliberate policy: it spends credit that would
// otherwise be lost to expiration before touching newer batches.
func planDebit(batches []Batch, amount AmountCents, atUnixUTC int64) ([]BatchRef, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	live := make([]Batch, 0, len(batches))
	for _, batch := range batches {
		if batch.Live(atUnixUTC) {
			live = append(live, batch)
		}
	}
	sort.SliceStable(live, func(left, right int) bool {
		return live[left].ExpiresAtUnixUTC < live[right].ExpiresAtUnixUTC
	})

	remaining := amount
	refs := make([]BatchRef, 0, len(live))
	for _, batch := range live {
		if remaining == 0 {
			break
		}
		take := batch.RemainingCents
		if take > remaining {
			take = remaining
		}
		refs = append(refs, BatchRef{BatchID: batch.BatchID, ConsumedCents: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, ErrInsufficientBalance
	}
	return refs, nil
}

// excludeBatch filters one batch out of a slice. Used by extension debits, which
// must never pay for an extension out of the batch being extended.
func excludeBatch(batches []Batch, exclude BatchID) []Batch {
	filtered := make([]Batch, 0, len(batches))
	for _, batch := range batches {
		if batch.BatchID != exclude {
			filtered = append(filtered, batch)
		}
	}
	return filtered
}
