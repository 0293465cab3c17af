// Package pgstore implements the girinhas store directly over pgx, for
// deployments that want prepared SQL instead of the gorm layer.
package pgstore

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/girinapp/girinhas/pkg/girinhas"
)

const (
	constraintTransactionIdempotencyKey = "uniq_transactions_idem"
	constraintIdempotencyRecordPrimary  = "idempotency_records_pkey"
	pgUniqueViolationCode               = "23505"

	errorOperationStore     = "store"
	errorSubjectWallet      = "wallet"
	errorSubjectBatch       = "batch"
	errorSubjectTxn         = "transaction"
	errorSubjectIdempotency = "idempotency"
	errorSubjectHealth      = "health"

	errorCodeBegin       = "begin"
	errorCodeCommit      = "commit"
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

	sqlInsertOrGetWallet = `
		insert into wallets(wallet_id, user_id, created_at)
		values (gen_random_uuid(), $1, now())
		on conflict (user_id) do update set user_id = excluded.user_id
		returning wallet_id::text
	`

	sqlSelectWalletByUser = `
		select wallet_id::text from wallets where user_id = $1
	`

	sqlLockWallet = `
		select wallet_id::text from wallets where wallet_id = $1 for update
	`

	sqlInsertBatch = `
		insert into credit_batches(
			batch_id, wallet_id, original_cents, remaining_cents, origin, extended, acquired_at, expires_at
		)
		values (gen_random_uuid(), $1, $2, $2, $3, false, to_timestamp($4), to_timestamp($5))
		returning batch_id::text
	`

	sqlSelectBatchColumns = `
		select
			batch_id::text,
			wallet_id::text,
			original_cents,
			remaining_cents,
			origin,
			extended,
			extract(epoch from acquired_at)::bigint,
			extract(epoch from expires_at)::bigint
		from credit_batches
	`

	sqlSelectBatch = sqlSelectBatchColumns + `
		where wallet_id = $1 and batch_id = $2
	`

	sqlListLiveBatches = sqlSelectBatchColumns + `
		where wallet_id = $1 and remaining_cents > 0 and expires_at > to_timestamp($2)
		order by expires_at asc, batch_id asc
	`

	sqlSumLiveBatches = `
		select coalesce(sum(remaining_cents),0) from credit_batches
		where wallet_id = $1 and remaining_cents > 0 and expires_at > to_timestamp($2)
	`

	sqlConsumeBatch = `
		update credit_batches
		set remaining_cents = remaining_cents - $2
		where batch_id = $1 and remaining_cents >= $2
	`

	sqlMarkBatchExtended = `
		update credit_batches
		set extended = true, expires_at = to_timestamp($2)
		where batch_id = $1 and extended = false
	`

	sqlInsertTransaction = `
		insert into transactions(
			transaction_id, wallet_id, kind, amount_cents, idempotency_key,
			counterparty_user_id, batch_refs, paid_brl_cents, metadata, created_at
		)
		values (
			gen_random_uuid(), nullif($1,'')::uuid, $2, $3, $4,
			nullif($5,''), $6::jsonb, $7,
			coalesce(nullif($8,''),'{}')::jsonb,
			to_timestamp($9)
		)
		returning transaction_id::text
	`

	sqlSelectTransaction = `
		select
			transaction_id::text,
			coalesce(wallet_id::text,''),
			kind,
			amount_cents,
			idempotency_key,
			coalesce(counterparty_user_id,''),
			coalesce(batch_refs::text,'[]'),
			paid_brl_cents,
			coalesce(metadata::text,'{}'),
			extract(epoch from created_at)::bigint
		from transactions
		where transaction_id = $1
	`

	sqlLookupIdempotencyKey = `
		select transaction_id::text from idempotency_records where key = $1
	`

	sqlInsertIdempotencyRecord = `
		insert into idempotency_records(key, transaction_id, created_at)
		values ($1, $2, now())
	`

	sqlSumTransactionsByKind = `
		select coalesce(sum(amount_cents),0) from transactions
		where kind = $1 and created_at >= to_timestamp($2)
	`

	sqlSumPaidBRL = `
		select coalesce(sum(paid_brl_cents),0) from transactions
		where kind = 'purchase' and created_at >= to_timestamp($1)
	`

	sqlSumExpiredRemainders = `
		select coalesce(sum(remaining_cents),0) from credit_batches
		where expires_at <= to_timestamp($2) and expires_at >= to_timestamp($1)
	`

	sqlSumAllLiveBatches = `
		select coalesce(sum(remaining_cents),0) from credit_batches
		where expires_at > to_timestamp($1)
	`

	sqlTopWalletBalances = `
		select coalesce(sum(remaining_cents),0) as total from credit_batches
		where expires_at > to_timestamp($2)
		group by wallet_id
		order by total desc
		limit $1
	`
)

// dbtx is the subset of pgx shared by *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements girinhas.Store using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	queries
}

// TxStore implements girinhas.Store for an active transaction.
type TxStore struct {
	queries
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, queries: queries{db: pool}}
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore girinhas.Store) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeBegin, err)
	}
	transactionStore := &TxStore{queries: queries{db: tx}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTxn, errorCodeCommit, err)
	}
	return nil
}

func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore girinhas.Store) error) error {
	return fn(ctx, store)
}

type queries struct {
	db dbtx
}

func (q queries) GetOrCreateWallet(ctx context.Context, userID girinhas.UserID) (girinhas.WalletID, error) {
	var walletIDValue string
	err := q.db.QueryRow(ctx, sqlInsertOrGetWallet, userID.String()).Scan(&walletIDValue)
	if err != nil {
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	walletID, err := girinhas.NewWalletID(walletIDValue)
	if err != nil {
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return walletID, nil
}

func (q queries) FindWallet(ctx context.Context, userID girinhas.UserID) (girinhas.WalletID, error) {
	var walletIDValue string
	err := q.db.QueryRow(ctx, sqlSelectWalletByUser, userID.String()).Scan(&walletIDValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, girinhas.ErrUnknownWallet)
		}
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeLookup, err)
	}
	walletID, err := girinhas.NewWalletID(walletIDValue)
	if err != nil {
		return girinhas.WalletID{}, wrapStoreError(errorSubjectWallet, errorCodeInvalid, err)
	}
	return walletID, nil
}

func (q queries) LockWallet(ctx context.Context, walletID girinhas.WalletID) error {
	var lockedValue string
	err := q.db.QueryRow(ctx, sqlLockWallet, walletID.String()).Scan(&lockedValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return wrapStoreError(errorSubjectWallet, errorCodeLock, girinhas.ErrUnknownWallet)
		}
		return wrapStoreError(errorSubjectWallet, errorCodeLock, err)
	}
	return nil
}

func (q queries) InsertBatch(ctx context.Context, input girinhas.BatchInput) (girinhas.BatchID, error) {
	var batchIDValue string
	err := q.db.QueryRow(ctx, sqlInsertBatch,
		input.WalletID.String(),
		input.AmountCents.Int64(),
		input.Origin.String(),
		input.AcquiredUnixUTC,
		input.ExpiresAtUnixUTC,
	).Scan(&batchIDValue)
	if err != nil {
		return girinhas.BatchID{}, wrapStoreError(errorSubjectBatch, errorCodeInsert, err)
	}
	batchID, err := girinhas.NewBatchID(batchIDValue)
	if err != nil {
		return girinhas.BatchID{}, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
	}
	return batchID, nil
}

func (q queries) GetBatch(ctx context.Context, walletID girinhas.WalletID, batchID girinhas.BatchID) (girinhas.Batch, error) {
	row := q.db.QueryRow(ctx, sqlSelectBatch, walletID.String(), batchID.String())
	batch, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return girinhas.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, girinhas.ErrUnknownBatch)
		}
		return girinhas.Batch{}, wrapStoreError(errorSubjectBatch, errorCodeGet, err)
	}
	return batch, nil
}

func (q queries) ListLiveBatches(ctx context.Context, walletID girinhas.WalletID, atUnixUTC int64) ([]girinhas.Batch, error) {
	rows, err := q.db.Query(ctx, sqlListLiveBatches, walletID.String(), atUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	defer rows.Close()
	batches := make([]girinhas.Batch, 0, 8)
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectBatch, errorCodeInvalid, err)
		}
		batches = append(batches, batch)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectBatch, errorCodeList, err)
	}
	return batches, nil
}

func (q queries) SumLiveBatches(ctx context.Context, walletID girinhas.WalletID, atUnixUTC int64) (girinhas.AmountCents, error) {
	var sum int64
	err := q.db.QueryRow(ctx, sqlSumLiveBatches, walletID.String(), atUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectBatch, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum), nil
}

func (q queries) ConsumeBatch(ctx context.Context, batchID girinhas.BatchID, amount girinhas.AmountCents) error {
	tag, err := q.db.Exec(ctx, sqlConsumeBatch, batchID.String(), amount.Int64())
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeConsume, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeConsume, girinhas.ErrBatchConsumed)
	}
	return nil
}

func (q queries) MarkBatchExtended(ctx context.Context, batchID girinhas.BatchID, newExpiresAtUnixUTC int64) error {
	tag, err := q.db.Exec(ctx, sqlMarkBatchExtended, batchID.String(), newExpiresAtUnixUTC)
	if err != nil {
		return wrapStoreError(errorSubjectBatch, errorCodeExtend, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBatch, errorCodeExtend, girinhas.ErrAlreadyExtended)
	}
	return nil
}

func (q queries) InsertTransaction(ctx context.Context, input girinhas.TransactionInput) (girinhas.TransactionID, error) {
	refsValue, err := marshalBatchRefs(input.BatchRefs)
	if err != nil {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	walletIDValue := ""
	if input.HasWallet {
		walletIDValue = input.WalletID.String()
	}
	var transactionIDValue string
	err = q.db.QueryRow(ctx, sqlInsertTransaction,
		walletIDValue,
		input.Kind.String(),
		input.AmountCents.Int64(),
		input.IdempotencyKey.String(),
		input.CounterpartyUserID,
		refsValue,
		input.PaidBRLCents.Int64(),
		input.Metadata.String(),
		input.CreatedUnixUTC,
	).Scan(&transactionIDValue)
	if isUniqueViolation(err, constraintTransactionIdempotencyKey) {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeDuplicate, girinhas.ErrDuplicateIdempotency)
	}
	if err != nil {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeInsert, err)
	}
	transactionID, err := girinhas.NewTransactionID(transactionIDValue)
	if err != nil {
		return girinhas.TransactionID{}, wrapStoreError(errorSubjectTxn, errorCodeInvalid, err)
	}
	return transactionID, nil
}

func (q queries) GetTransaction(ctx context.Context, transactionID girinhas.TransactionID) (girinhas.Transaction, error) {
	row := q.db.QueryRow(ctx, sqlSelectTransaction, transactionID.String())
	transaction, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return girinhas.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, girinhas.ErrUnknownTransaction)
		}
		return girinhas.Transaction{}, wrapStoreError(errorSubjectTxn, errorCodeGet, err)
	}
	return transaction, nil
}

func (q queries) LookupIdempotencyKey(ctx context.Context, key girinhas.IdempotencyKey) (girinhas.TransactionID, bool, error) {
	var transactionIDValue string
	err := q.db.QueryRow(ctx, sqlLookupIdempotencyKey, key.String()).Scan(&transactionIDValue)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return girinhas.TransactionID{}, false, nil
		}
		return girinhas.TransactionID{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeLookup, err)
	}
	transactionID, err := girinhas.NewTransactionID(transactionIDValue)
	if err != nil {
		return girinhas.TransactionID{}, false, wrapStoreError(errorSubjectIdempotency, errorCodeInvalid, err)
	}
	return transactionID, true, nil
}

func (q queries) InsertIdempotencyRecord(ctx context.Context, key girinhas.IdempotencyKey, transactionID girinhas.TransactionID) error {
	_, err := q.db.Exec(ctx, sqlInsertIdempotencyRecord, key.String(), transactionID.String())
	if isUniqueViolation(err, constraintIdempotencyRecordPrimary) {
		return wrapStoreError(errorSubjectIdempotency, errorCodeDuplicate, girinhas.ErrDuplicateIdempotency)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIdempotency, errorCodeInsert, err)
	}
	return nil
}

func (q queries) SumTransactionsByKind(ctx context.Context, kind girinhas.TransactionKind, sinceUnixUTC int64) (girinhas.AmountCents, error) {
	var sum int64
	err := q.db.QueryRow(ctx, sqlSumTransactionsByKind, kind.String(), sinceUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum), nil
}

func (q queries) SumPaidBRL(ctx context.Context, sinceUnixUTC int64) (girinhas.AmountCents, error) {
	var sum int64
	err := q.db.QueryRow(ctx, sqlSumPaidBRL, sinceUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum), nil
}

func (q queries) SumExpiredRemainders(ctx context.Context, sinceUnixUTC int64, atUnixUTC int64) (girinhas.AmountCents, error) {
	var sum int64
	err := q.db.QueryRow(ctx, sqlSumExpiredRemainders, sinceUnixUTC, atUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum), nil
}

func (q queries) SumAllLiveBatches(ctx context.Context, atUnixUTC int64) (girinhas.AmountCents, error) {
	var sum int64
	err := q.db.QueryRow(ctx, sqlSumAllLiveBatches, atUnixUTC).Scan(&sum)
	if err != nil {
		return 0, wrapStoreError(errorSubjectHealth, errorCodeSum, err)
	}
	return girinhas.AmountCents(sum), nil
}

func (q queries) TopWalletBalances(ctx context.Context, limit int, atUnixUTC int64) ([]girinhas.AmountCents, error) {
	rows, err := q.db.Query(ctx, sqlTopWalletBalances, limit, atUnixUTC)
	if err != nil {
		return nil, wrapStoreError(errorSubjectHealth, errorCodeTopBalances, err)
	}
	defer rows.Close()
	balances := make([]girinhas.AmountCents, 0, limit)
	for rows.Next() {
		var total int64
		if err := rows.Scan(&total); err != nil {
			return nil, wrapStoreError(errorSubjectHealth, errorCodeTopBalances, err)
		}
		balances = append(balances, girinhas.AmountCents(total))
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectHealth, errorCodeTopBalances, err)
	}
	return balances, nil
}

func scanBatch(row pgx.Row) (girinhas.Batch, error) {
	var (
		batchIDValue     string
		walletIDValue    string
		originalCents    int64
		remainingCents   int64
		originValue      string
		extended         bool
		acquiredUnixUTC  int64
		expiresAtUnixUTC int64
	)
	if err := row.Scan(
		&batchIDValue,
		&walletIDValue,
		&originalCents,
		&remainingCents,
		&originValue,
		&extended,
		&acquiredUnixUTC,
		&expiresAtUnixUTC,
	); err != nil {
		return girinhas.Batch{}, err
	}
	batchID, err := girinhas.NewBatchID(batchIDValue)
	if err != nil {
		return girinhas.Batch{}, err
	}
	walletID, err := girinhas.NewWalletID(walletIDValue)
	if err != nil {
		return girinhas.Batch{}, err
	}
	origin, err := girinhas.ParseBatchOrigin(originValue)
	if err != nil {
		return girinhas.Batch{}, err
	}
	return girinhas.Batch{
		BatchID:          batchID,
		WalletID:         walletID,
		OriginalCents:    girinhas.AmountCents(originalCents),
		RemainingCents:   girinhas.AmountCents(remainingCents),
		Origin:           origin,
		Extended:         extended,
		AcquiredUnixUTC:  acquiredUnixUTC,
		ExpiresAtUnixUTC: expiresAtUnixUTC,
	}, nil
}

func scanTransaction(row pgx.Row) (girinhas.Transaction, error) {
	var (
		transactionIDValue string
		walletIDValue      string
		kindValue          string
		amountCents        int64
		idempotencyValue   string
		counterpartyValue  string
		refsValue          string
		paidBRLCents       int64
		metadataValue      string
		createdUnixUTC     int64
	)
	if err := row.Scan(
		&transactionIDValue,
		&walletIDValue,
		&kindValue,
		&amountCents,
		&idempotencyValue,
		&counterpartyValue,
		&refsValue,
		&paidBRLCents,
		&metadataValue,
		&createdUnixUTC,
	); err != nil {
		return girinhas.Transaction{}, err
	}
	transactionID, err := girinhas.NewTransactionID(transactionIDValue)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	kind, err := girinhas.ParseTransactionKind(kindValue)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	key, err := girinhas.NewIdempotencyKey(idempotencyValue)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	metadata, err := girinhas.NewMetadataJSON(metadataValue)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	refs, err := unmarshalBatchRefs(refsValue)
	if err != nil {
		return girinhas.Transaction{}, err
	}
	transaction := girinhas.Transaction{
		TransactionID:      transactionID,
		Kind:               kind,
		AmountCents:        girinhas.AmountCents(amountCents),
		IdempotencyKey:     key,
		CounterpartyUserID: counterpartyValue,
		BatchRefs:          refs,
		PaidBRLCents:       girinhas.AmountCents(paidBRLCents),
		Metadata:           metadata,
		CreatedUnixUTC:     createdUnixUTC,
	}
	if walletIDValue != "" {
		walletID, err := girinhas.NewWalletID(walletIDValue)
		if err != nil {
			return girinhas.Transaction{}, err
		}
		transaction.WalletID = walletID
		transaction.HasWallet = true
	}
	return transaction, nil
}

type batchRefJSON struct {
	BatchID       string `json:"batch_id"`
	ConsumedCents int64  `json:"consumed_cents"`
}

func marshalBatchRefs(refs []girinhas.BatchRef) (string, error) {
	wire := make([]batchRefJSON, 0, len(refs))
	for _, ref := range refs {
		wire = append(wire, batchRefJSON{BatchID: ref.BatchID.String(), ConsumedCents: ref.ConsumedCents.Int64()})
	}
	encoded, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func unmarshalBatchRefs(raw string) ([]girinhas.BatchRef, error) {
	if raw == "" {
		return nil, nil
	}
	var wire []batchRefJSON
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, err
	}
	refs := make([]girinhas.BatchRef, 0, len(wire))
	for _, entry := range wire {
		batchID, err := girinhas.NewBatchID(entry.BatchID)
		if err != nil {
			return nil, err
		}
		refs = append(refs, girinhas.BatchRef{BatchID: batchID, ConsumedCents: girinhas.AmountCents(entry.ConsumedCents)})
	}
	return refs, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return girinhas.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
