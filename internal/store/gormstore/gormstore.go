package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transactions_idem"
	constraintIdempotencyRecordPrimary  = "idempotency_records_pkey"
	defaultJSON                         = "{}"
	emptyJSONArray                      = "[]"
	pgUniqueViolationCode               = "23505"
	sqliteConstraintCode                = 19
	dialectPostgres                     = "postgres"

	errorOperationStore  = "store"
	errorSubjectWallet   = "wallet"
	errorSubjectBatch    = "batch"
	errorSubjectTxn      = "transaction"
	errorSubjectIdem     = "idempotency"
	errorSubjectHealth   = "health"
	errorCodeCreate      = "create"
	errorCodeConsume     = "consume"
	errorCodeDuplicate   = "duplicate"
	errorCodeExtend      = "extend"
	errorCodeGet         = "get"
	errorCodeInsert      = "insert"
	errorCodeInvalid     = "invalid"
	errorCodeList        = "list"
	errorCodeLock        = "lock"
	errorCodeLookup      = "lookup"
	errorCodeSum         = "sum"
	errorCodeTopBalances = "top_balances"
)

// Store implements girinhas.Store using GORM. It runs against PostgreSQL in
// production and sqlite for local and test use; row locks are emitted only on
// dialects that support them (sqlite serializes writers on its own).
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore girinhas.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

func (store *Store) GetOrCreateWallet(ctx context.Context, userID girinhas.UserID) (girinhas.WalletID, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"user_id": clause.Expr{SQL: "excluded.user_id"},
			}),
		}).
		FirstOrCreate(&wallet, Wallet{UserID: userID.String()}).Error
	if err != nil {
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	walletID, err := girinhas.NewWalletID(wallet.WalletID)
	if err != nil {
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return walletID, nil
}

func (store *Store) FindWallet(ctx context.Context, userID girinhas.UserID) (girinhas.WalletID, error) {
	var wallet Wallet
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, girinhas.ErrUnknownWallet)
		}
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	walletID, err := girinhas.NewWalletID(wallet.WalletID)
	if err != nil {
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return walletID, nil
}

// LockWallet takes a FOR UPDATE lock on the wallet row. Callers lock wallets in
// ascending wallet-id order.
func (store *Store) LockWallet(ctx context.Context, walletID girinhas.WalletID) error {
	query := store.db.WithContext(ctx)
	if store.db.Dialector.Name() == dialectPostgres {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var wallet Wallet
	err := query.Where("wallet_id = ?", walletID.String()).Take(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return wrapStoreError(errorSubjectWallet, errorCodeLock, girinhas.ErrUnknownWallet)
		}
		return wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return nil
}

func (store *Store) InsertBatch(ctx context.Context, input girinhas.BatchInput) (girinhas.BatchID, error) {
	batch := CreditBatch{
		WalletID:       input.WalletID.String(),
		OriginalCents:  input.AmountCents.Int64(),
		RemainingCents: input.AmountCents.Int64(),
		Origin:         input.Origin.String(),
		AcquiredAt:     time.Unix(input.AcquiredUnixUTC, 0).UTC(),
		ExpiresAt:      time.Unix(input.ExpiresAtUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&batch).Error; err != nil {
		return girinhas.BatchID{}, wrapStoreError(errorSubjectBatch, errorCodeCreate, err)
	}
	batchID, err := girinhas.NewBatchID(batch.BatchID)
	if err != nil {
		return girinhas.BatchID{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return batchID, nil
}

func (store *Store) GetBatch(ctx context.Context, walletID girinhas.WalletID, batchID girinhas.BatchID) (girinhas.Batch, error) {
	var row CreditBatch
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND batch_id = ?", walletID.String(), batchID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return girinhas.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, girinhas.ErrUnknownBatch)
		}
		return girinhas.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, err)
	}
	batch, err := mapCreditBatch(row)
	if err != nil {
		return girinhas.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return batch, nil
}

func (store *Store) ListLiveBatches(ctx context.Context, walletID girinhas.WalletID, atUnixUTC int64) ([]girinhas.Batch, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var rows []CreditBatch
	err := store.db.WithContext(ctx).
		Where("wallet_id = ? AND remaining_cents > 0 AND expires_at > ?", walletID.String(), at).
		Order("expires_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	batches := make([]girinhas.Batch, 0, len(rows))
	for _, row := range rows {
		batch, err := mapCreditBatch(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		batches = append(batches, batch)
	}
	return batches, nil
}

func (store *Store) SumLiveBatches(ctx context.Context, walletID girinhas.WalletID, atUnixUTC int64) (girinhas.AmountCents, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Select("coalesce(sum(remaining_cents),0) as total").
		Where("wallet_id = ? AND expires_at > ?", walletID.String(), at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBatch, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum.Total), nil
}

func (store *Store) ConsumeBatch(ctx context.Context, batchID girinhas.BatchID, amount girinhas.AmountCents) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ? AND remaining_cents >= ?", batchID.String(), amount.Int64()).
		UpdateColumn("remaining_cents", gorm.Expr("remaining_cents - ?", amount.Int64()))
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeConsume, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeConsume, girinhas.ErrBatchConsumed)
	}
	return nil
}

func (store *Store) MarkBatchExtended(ctx context.Context, batchID girinhas.BatchID, newExpiresAtUnixUTC int64) error {
	result := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Where("batch_id = ? AND extended = ?", batchID.String(), false).
		Updates(map[string]interface{}{
			"extended":   true,
			"expires_at": time.Unix(newExpiresAtUnixUTC, 0).UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeExtend, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeExtend, girinhas.ErrAlreadyExtended)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, input girinhas.TransactionInput) (girinhas.TransactionID, error) {
	refsJSON, err := marshalBatchRefs(input.BatchRefs)
	if err != nil {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	var walletID *string
	if input.HasWallet {
		value := input.WalletID.String()
		walletID = &value
	}
	var counterparty *string
	if input.CounterpartyUserID != "" {
		value := input.CounterpartyUserID
		counterparty = &value
	}
	row := LedgerTransaction{
		WalletID:           walletID,
		Kind:               input.Kind.String(),
		AmountCents:        input.AmountCents.Int64(),
		IdempotencyKey:     input.IdempotencyKey.String(),
		CounterpartyUserID: counterparty,
		BatchRefs:          refsJSON,
		PaidBRLCents:       input.PaidBRLCents.Int64(),
		Metadata:           datatypesJSON(input.Metadata.String()),
		CreatedAt:          time.Unix(input.CreatedUnixUTC, 0).UTC(),
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	err = store.db.WithContext(ctx).Create(&row).Error
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeDuplicate, girinhas.ErrDuplicateIdempotency)
	}
	if err != nil {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	transactionID, err := girinhas.NewTransactionID(row.TransactionID)
	if err != nil {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func (store *Store) GetTransaction(ctx context.Context, transactionID girinhas.TransactionID) (girinhas.Transaction, error) {
	var row LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return girinhas.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, girinhas.ErrUnknownTransaction)
		}
		return girinhas.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	transaction, err := mapLedgerTransaction(row)
	if err != nil {
		return girinhas.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	return transaction, nil
}

func (store *Store) LookupIdempotencyKey(ctx context.Context, key girinhas.IdempotencyKey) (girinhas.TransactionID, bool, error) {
	var record IdempotencyRecord
	err := store.db.WithContext(ctx).
		Where("key = ?", key.String()).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return girinhas.TransactionID{}, false, nil
	}
	if err != nil {
		return girinhas.TransactionID{}, false, wrapStoreError(errorSubjectIdem, errorCodeLookup, err)
	}
	transactionID, err := girinhas.NewTransactionID(record.TransactionID)
	if err != nil {
		return girinhas.TransactionID{}, false, wrapStoreError(errorSubjectIdem, errorCodeInvalid, err)
	}
	return transactionID, true, nil
}

func (store *Store) InsertIdempotencyRecord(ctx context.Context, key girinhas.IdempotencyKey, transactionID girinhas.TransactionID) error {
	record := IdempotencyRecord{
		Key:           key.String(),
		TransactionID: transactionID.String(),
		CreatedAt:     time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&record).Error
	if isUniqueViolation(err, constraintIdempotencyRecordPrimary) {
		return wrapStoreError(errorSubjectIdem, errorCodeDuplicate, girinhas.ErrDuplicateIdempotency)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdem, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) SumTransactionsByKind(ctx context.Context, kind girinhas.TransactionKind, sinceUnixUTC int64) (girinhas.AmountCents, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(amount_cents),0) as total").
		Where("kind = ? AND created_at >= ?", kind.String(), since).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum.Total), nil
}

func (store *Store) SumPaidBRL(ctx context.Context, sinceUnixUTC int64) (girinhas.AmountCents, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(paid_brl_cents),0) as total").
		Where("kind = ? AND created_at >= ?", girinhas.KindPurchase.String(), since).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum.Total), nil
}

func (store *Store) SumExpiredRemainders(ctx context.Context, sinceUnixUTC int64, atUnixUTC int64) (girinhas.AmountCents, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Select("coalesce(sum(remaining_cents),0) as total").
		Where("expires_at <= ? AND expires_at >= ?", at, since).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum.Total), nil
}

func (store *Store) SumAllLiveBatches(ctx context.Context, atUnixUTC int64) (girinhas.AmountCents, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Select("coalesce(sum(remaining_cents),0) as total").
		Where("expires_at > ?", at).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum.Total), nil
}

func (store *Store) TopWalletBalances(ctx context.Context, limit int, atUnixUTC int64) ([]girinhas.AmountCents, error) {
	at := time.Unix(atUnixUTC, 0).UTC()
	var sums []sqlSum
	err := store.db.WithContext(ctx).
		Model(&CreditBatch{}).
		Select("coalesce(sum(remaining_cents),0) as total").
		Where("expires_at > ?", at).
		Group("wallet_id").
		Order("total DESC").
		Limit(limit).
		Scan(&sums).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectHealth, errorCodeTopBalances, err)
	}
	balances := make([]girinhas.AmountCents, 0, len(sums))
	for _, sum := range sums {
		balances = append(balances, girinhas.AmountCents(sum.Total))
	}
	return balances, nil
}

type sqlSum struct {
	Total int64
}

func wrapStoreError(subject string, code string, err error) error {
	return girinhas.WrapError(errorOperationStore, subject, code, err)
}

func mapCreditBatch(row CreditBatch) (girinhas.Batch, error) {
	batchID, err := girinhas.NewBatchID(row.BatchID)
	if err != nil {
		return girinhas.Batch{}, err
	}
	walletID, err := girinhas.NewWalletID(row.WalletID)
	if err != nil {
		return girinhas.Batch{}, err
	}
	origin, err := girinhas.ParseBatchOrigin(row.Origin)
	if err != nil {
		return girinhas.Batch{}, err
	}
	return girinhas.Batch{
		BatchID:          batchID,
		WalletID:         walletID,
		OriginalCents:    girinhas.AmountCents(row.OriginalCents),
		RemainingCents:   girinhas.AmountCents(row.RemainingCents),
		Origin:           origin,
		Extended:         row.Extended,
		AcquiredUnixUTC:  row.AcquiredAt.Unix(),
		ExpiresAtUnixUTC: row.ExpiresAt.Unix(),
	}, nil
}

func mapLedgerTransaction(row LedgerTransaction) (girinhas.Transaction, error) {
	transactionID, err := girinhas.NewTransactionID(row.TransactionID)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	kind, err := girinhas.ParseTransactionKind(row.Kind)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	key, err := girinhas.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	metadata, err := girinhas.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return girinhas.Transaction{}, err
	}
	refs, err := unmarshalBatchRefs(row.BatchRefs)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	transaction := girinhas.Transaction{
		TransactionID:  transactionID,
		Kind:           kind,
		AmountCents:    girinhas.AmountCents(row.AmountCents),
		IdempotencyKey: key,
		BatchRefs:      refs,
		PaidBRLCents:   girinhas.AmountCents(row.PaidBRLCents),
		Metadata:       metadata,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}
	if row.WalletID != nil {
		walletID, err := girinhas.NewWalletID(*row.WalletID)
		if err != nil {
			return girinhas.Transaction{}, err
		}
		transaction.WalletID = walletID
		transaction.HasWallet = true
	}
	if row.CounterpartyUserID != nil {
		transaction.CounterpartyUserID = *row.CounterpartyUserID
	}
	return transaction, nil
}

func marshalBatchRefs(refs []girinhas.BatchRef) (datatypes.JSON, error) {
	if len(refs) == 0 {
		return datatypes.JSON([]byte(emptyJSONArray)), nil
	}
	wire := make([]batchRefJSON, 0, len(refs))
	for _, ref := range refs {
		wire = append(wire, batchRefJSON{BatchID: ref.BatchID.String(), ConsumedCents: ref.ConsumedCents.Int64()})
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(raw), nil
}

func unmarshalBatchRefs(raw datatypes.JSON) ([]girinhas.BatchRef, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var refs []batchRefJSON
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, err
	}
	mapped := make([]girinhas.BatchRef, 0, len(refs))
	for _, ref := range refs {
		batchID, err := girinhas.NewBatchID(ref.BatchID)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, girinhas.BatchRef{BatchID: batchID, ConsumedCents: girinhas.AmountCents(ref.ConsumedCents)})
	}
	return mapped, nil
}

// batchRefJSON mirrors the wire shape of girinhas.BatchRef, whose BatchID does
// not marshal to a plain string.
type batchRefJSON struct {
	BatchID       string `json:"batch_id"`
	ConsumedCents int64  `json:"consumed_cents"`
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultJSON))
	}
	return datatypes.JSON(raw)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
