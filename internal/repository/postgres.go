// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/fluxapay/settlement-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrMerchantExists возвращается при попытке создать мерчанта с уже существующим идентификатором.
var (
	ErrMerchantExists = errors.New("merchant already exists")
	// ErrMerchantNotFound возвращается, если мерчант не найден.
	ErrMerchantNotFound = errors.New("merchant not found")
	// ErrSettlementExists возвращается при попытке создать расчёт с уже использованным идемпотентным ключом.
	ErrSettlementExists = errors.New("settlement reference already exists")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса расчёта.
	ErrInvalidTransition = errors.New("invalid settlement status transition")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			// Ретраи полезны для Serialization Failure или Deadlocks.
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateMerchant сохраняет нового мерчанта.
func (r *PostgresRepository) CreateMerchant(ctx context.Context, m *model.Merchant) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO merchants (id, business_name, settlement_currency, account_name, account_number, bank_name, bank_code, country)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.BusinessName, m.SettlementCurrency,
		m.BankAccount.AccountName, m.BankAccount.AccountNumber,
		m.BankAccount.BankName, m.BankAccount.BankCode, m.BankAccount.Country,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrMerchantExists, m.ID)
		}
		return fmt.Errorf("create merchant: %w", err)
	}
	return nil
}

// GetMerchant возвращает мерчанта по идентификатору.
func (r *PostgresRepository) GetMerchant(ctx context.Context, id string) (*model.Merchant, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, business_name, settlement_currency, account_name, account_number, bank_name, COALESCE(bank_code, ''), country, created_at
		 FROM merchants WHERE id = $1`,
		id,
	)

	var m model.Merchant
	err := row.Scan(&m.ID, &m.BusinessName, &m.SettlementCurrency,
		&m.BankAccount.AccountName, &m.BankAccount.AccountNumber,
		&m.BankAccount.BankName, &m.BankAccount.BankCode,
		&m.BankAccount.Country, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMerchantNotFound
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}

	m.BankAccount.Currency = m.SettlementCurrency
	return &m, nil
}

// GetEligiblePayments возвращает все платежи, готовые к расчёту:
// средства собраны на казначейский счёт, но ещё не выплачены мерчанту.
func (r *PostgresRepository) GetEligiblePayments(ctx context.Context) ([]model.Payment, error) {
	var res []model.Payment

	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, merchant_id, amount, currency, swept, settled, COALESCE(settlement_id, ''), created_at
			 FROM payments
			 WHERE swept AND NOT settled
			 ORDER BY merchant_id, created_at`,
		)
		if err != nil {
			return fmt.Errorf("select eligible payments: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var p model.Payment
			if err := rows.Scan(&p.ID, &p.MerchantID, &p.Amount, &p.Currency, &p.Swept, &p.Settled, &p.SettlementID, &p.CreatedAt); err != nil {
				return fmt.Errorf("scan payment: %w", err)
			}
			res = append(res, p)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// CreateSettlement создаёт запись расчёта в статусе pending и в той же
// транзакции привязывает к нему платежи группы. Привязка фиксирует точный
// состав расчёта: сверка после рестарта опирается на неё, а не на текущее
// множество нерассчитанных платежей мерчанта.
// Уникальность идемпотентного ключа гарантирует, что повторный запуск
// с тем же batch id не создаст вторую выплату.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, s *model.Settlement, paymentIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO settlements (id, merchant_id, currency, usdc_amount, status, reference)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.MerchantID, s.Currency, s.USDCAmount, string(model.SettlementStatusPending), s.Reference,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrSettlementExists, s.Reference)
		}
		return fmt.Errorf("create settlement: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET settlement_id = $1 WHERE id = ANY($2)`,
		s.ID, paymentIDs,
	)
	if err != nil {
		return fmt.Errorf("link payments to settlement: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// MarkSettlementProcessing переводит расчёт из pending в processing.
// Переход допустим только вперёд.
func (r *PostgresRepository) MarkSettlementProcessing(ctx context.Context, id string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE settlements SET status = $2 WHERE id = $1 AND status = $3`,
		id, string(model.SettlementStatusProcessing), string(model.SettlementStatusPending),
	)
	if err != nil {
		return fmt.Errorf("mark settlement processing: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: settlement %s is not pending", ErrInvalidTransition, id)
	}
	return nil
}

// UpdateSettlementAmounts фиксирует котировку и комиссии на расчёте
// после получения котировки у партнёра.
func (r *PostgresRepository) UpdateSettlementAmounts(ctx context.Context, id string, fiatAmount, netAmount, fees decimal.Decimal) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE settlements SET fiat_amount = $2, net_amount = $3, fees = $4 WHERE id = $1`,
		id, fiatAmount, netAmount, fees,
	)
	if err != nil {
		return fmt.Errorf("update settlement amounts: %w", err)
	}
	return nil
}

// CompleteSettlement атомарно завершает расчёт: статус completed,
// ссылка на перевод партнёра и отметка settled на всех платежах группы
// в одной транзакции. Выплата у партнёра — барьер записи: метод вызывается
// только после подтверждённого успеха ConvertAndPayout.
func (r *PostgresRepository) CompleteSettlement(ctx context.Context, settlementID, transferRef string, paymentIDs []string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	cmdTag, err := tx.Exec(ctx,
		`UPDATE settlements
		 SET status = $2, transfer_ref = $3, processed_date = now()
		 WHERE id = $1 AND status = $4`,
		settlementID, string(model.SettlementStatusCompleted), transferRef,
		string(model.SettlementStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("complete settlement: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: settlement %s is not processing", ErrInvalidTransition, settlementID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE payments SET settled = TRUE, settlement_id = $1 WHERE id = ANY($2)`,
		settlementID, paymentIDs,
	)
	if err != nil {
		return fmt.Errorf("mark payments settled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// FailSettlement переводит расчёт в терминальный статус failed с причиной.
// Платежи остаются нерассчитанными и попадут в следующий запуск.
func (r *PostgresRepository) FailSettlement(ctx context.Context, id, reason string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE settlements
		 SET status = $2, failure_reason = $3, processed_date = now()
		 WHERE id = $1 AND status IN ($4, $5)`,
		id, string(model.SettlementStatusFailed), reason,
		string(model.SettlementStatusPending), string(model.SettlementStatusProcessing),
	)
	if err != nil {
		return fmt.Errorf("fail settlement: %w", err)
	}
	if cmdTag.RowsAffected() != 1 {
		return fmt.Errorf("%w: settlement %s is terminal", ErrInvalidTransition, id)
	}
	return nil
}

// GetProcessingSettlements возвращает расчёты, застрявшие в processing.
// Используется при старте для сверки с партнёром.
func (r *PostgresRepository) GetProcessingSettlements(ctx context.Context) ([]model.Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, merchant_id, currency, usdc_amount, fiat_amount, net_amount, fees, status, reference, transfer_ref, failure_reason, processed_date, created_at
		 FROM settlements
		 WHERE status = $1
		 ORDER BY created_at`,
		string(model.SettlementStatusProcessing),
	)
	if err != nil {
		return nil, fmt.Errorf("select processing settlements: %w", err)
	}
	defer rows.Close()

	return scanSettlements(rows)
}

// PaymentIDsForSettlement возвращает идентификаторы нерассчитанных платежей,
// привязанных к расчёту при его создании. Используется при сверке после
// рестарта, когда выплата прошла, а барьер записи не был пройден. Платёж,
// собранный после создания расчёта, выплатой не покрыт и сюда не попадает.
func (r *PostgresRepository) PaymentIDsForSettlement(ctx context.Context, s *model.Settlement) ([]string, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM payments
		 WHERE settlement_id = $1 AND NOT settled`,
		s.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments for settlement: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan payment id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return ids, nil
}

// CountUnsettledPayments возвращает число платежей, ожидающих расчёта.
func (r *PostgresRepository) CountUnsettledPayments(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM payments WHERE swept AND NOT settled`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unsettled payments: %w", err)
	}
	return n, nil
}

// CountOpenSettlements возвращает число расчётов в статусах pending и processing.
func (r *PostgresRepository) CountOpenSettlements(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM settlements WHERE status IN ($1, $2)`,
		string(model.SettlementStatusPending), string(model.SettlementStatusProcessing),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count open settlements: %w", err)
	}
	return n, nil
}

// RecentSettlements возвращает последние расчёты для статусной страницы.
func (r *PostgresRepository) RecentSettlements(ctx context.Context, limit int) ([]model.Settlement, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, merchant_id, currency, usdc_amount, fiat_amount, net_amount, fees, status, reference, transfer_ref, failure_reason, processed_date, created_at
		 FROM settlements
		 ORDER BY created_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("select recent settlements: %w", err)
	}
	defer rows.Close()

	return scanSettlements(rows)
}

func scanSettlements(rows pgx.Rows) ([]model.Settlement, error) {
	var res []model.Settlement
	for rows.Next() {
		var s model.Settlement
		var status string
		if err := rows.Scan(&s.ID, &s.MerchantID, &s.Currency,
			&s.USDCAmount, &s.FiatAmount, &s.NetAmount, &s.Fees,
			&status, &s.Reference, &s.TransferRef, &s.FailureReason,
			&s.ProcessedAt, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		s.Status = model.SettlementStatus(status)
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateManualIntervention сохраняет запись о задаче, требующей ручного вмешательства оператора.
func (r *PostgresRepository) CreateManualIntervention(ctx context.Context, merchantID, operation, reason string) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO manual_interventions (merchant_id, operation, reason) VALUES ($1, $2, $3)`,
		merchantID, operation, reason,
	)
	if err != nil {
		return fmt.Errorf("create manual intervention: %w", err)
	}
	return nil
}

// CountManualInterventions возвращает число записей ручного вмешательства.
func (r *PostgresRepository) CountManualInterventions(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM manual_interventions`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count manual interventions: %w", err)
	}
	return n, nil
}
