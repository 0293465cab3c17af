package girinhas

const (
	operationPurchase  = "purchase"
	operationTransfer  = "transfer"
	operationBonus     = "bonus"
	operationExtension = "extension"

	operationStatusOK        = "ok"
	operationStatusError     = "error"
	operationStatusDuplicate = "duplicate"

	idempotencyKeyDelimiter = ":"
	idempotencySuffixIn     = "in"
	idempotencySuffixFee    = "fee"
	idempotencySuffixBurn   = "burn"

	// Bonus reason that produces mission_reward batches.
	reasonMissionReward = "mission_reward"

	secondsPerDay = int64(24 * 60 * 60)
)
