// Package repository содержит реализацию доступа к данным в PostgreSQL.
//
// Каждая операция, меняющая баланс, выполняется как одна транзакция БД:
// чтение, проверка предусловий и запись всех затронутых строк либо коммитятся
// целиком, либо не применяются вовсе.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/tapaar/ledger-service/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятым именем или email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrWalletNotFound возвращается, если кошелёк пользователя отсутствует.
	ErrWalletNotFound = errors.New("wallet not found")
	// ErrRecipientWalletNotFound возвращается, если у получателя перевода нет основного кошелька.
	ErrRecipientWalletNotFound = errors.New("recipient wallet not found")
	// ErrSelfTransfer возвращается при попытке перевода самому себе.
	ErrSelfTransfer = errors.New("transfer to self")
	// ErrTransactionNotFound возвращается, если транзакция не найдена или уже не в статусе pending.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTaskAlreadyCompleted возвращается при повторном выполнении задания.
	ErrTaskAlreadyCompleted = errors.New("task already completed")
	// ErrTaskNotFound возвращается, если задание отсутствует в каталоге.
	ErrTaskNotFound = errors.New("task not found")
	// ErrSMSAlreadyProcessed возвращается, если SMS успел забрать параллельный матчер.
	ErrSMSAlreadyProcessed = errors.New("sms already processed")
	// ErrReferralNotFound возвращается, если код приглашения не существует.
	ErrReferralNotFound = errors.New("referral code not found")
	// ErrReferralCodeTaken возвращается, если сгенерированный код приглашения уже занят.
	ErrReferralCodeTaken = errors.New("referral code taken")
	// ErrCouponNotFound возвращается, если у подтверждаемой транзакции нет купона.
	ErrCouponNotFound = errors.New("coupon not found")
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

// runAtomic выполняет fn внутри одной транзакции БД и повторяет её при
// конфликте сериализации или дедлоке. После исчерпания попыток возвращается
// последняя ошибка.
func (r *PostgresRepository) runAtomic(ctx context.Context, fn func(tx pgx.Tx) error) error {
	backoff := retry.WithMaxRetries(3, retry.NewConstant(100*time.Millisecond))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(tx); err != nil {
			if isRetryableConflict(err) {
				return retry.RetryableError(err)
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			if isRetryableConflict(err) {
				return retry.RetryableError(fmt.Errorf("commit tx: %w", err))
			}
			return fmt.Errorf("commit tx: %w", err)
		}

		return nil
	})
}

func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// RegisterUser создаёт пользователя вместе с тремя кошельками, партнёрским
// профилем и ребром в дереве приглашений в одной транзакции.
func (r *PostgresRepository) RegisterUser(ctx context.Context, u model.User, profile model.MembershipProfile, parentID *int64) (int64, error) {
	var id int64

	err := r.runAtomic(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO users (username, email, phone, password_hash) VALUES ($1, $2, $3, $4) RETURNING id`,
			u.Username, u.Email, u.Phone, u.PasswordHash,
		).Scan(&id)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrUserExists, u.Username)
			}
			return fmt.Errorf("create user: %w", err)
		}

		for _, kind := range []model.WalletKind{model.WalletTopup, model.WalletBonus, model.WalletCoins} {
			if _, err := tx.Exec(ctx,
				`INSERT INTO wallets (user_id, kind, balance) VALUES ($1, $2, 0)`,
				id, string(kind),
			); err != nil {
				return fmt.Errorf("create %s wallet: %w", kind, err)
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO referral_edges (user_id, parent_id) VALUES ($1, $2)`,
			id, parentID,
		); err != nil {
			return fmt.Errorf("create referral edge: %w", err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO membership_profiles
			 (user_id, username, referral, generation, pack, pack_name, level, star,
			  parrain, parrain_ref, parrain_uid,
			  grand_parrain, grand_parrain_ref, grand_parrain_uid,
			  great_parrain, great_parrain_ref, great_parrain_uid)
			 VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			id, u.Username, profile.Referral, profile.Generation,
			string(profile.Pack), profile.PackName,
			profile.Parrain, profile.ParrainRef, profile.ParrainUID,
			profile.GrandParrain, profile.GrandParrainRef, profile.GrandParrainUID,
			profile.GreatParrain, profile.GreatParrainRef, profile.GreatParrainUID,
		); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				// Единственное уникальное поле профиля — код приглашения.
				return fmt.Errorf("%w: %s", ErrReferralCodeTaken, profile.Referral)
			}
			return fmt.Errorf("create membership profile: %w", err)
		}

		if parentID != nil {
			if _, err := tx.Exec(ctx,
				`UPDATE membership_profiles
				 SET direct_affiliates = direct_affiliates + 1,
				     affiliates = affiliates + 1,
				     updated_at = now()
				 WHERE user_id = $1`,
				*parentID,
			); err != nil {
				return fmt.Errorf("count affiliate: %w", err)
			}
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return id, nil
}

// GetUserByEmail возвращает пользователя по email.
func (r *PostgresRepository) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, phone, password_hash, created_at FROM users WHERE email = $1`,
		email,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, username, email, phone, password_hash, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Phone, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ReferralRecord описывает владельца кода приглашения.
type ReferralRecord struct {
	UserID     int64
	Username   string
	Referral   string
	Generation int
}

// FindReferralByCode возвращает владельца кода приглашения.
func (r *PostgresRepository) FindReferralByCode(ctx context.Context, code string) (*ReferralRecord, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, username, referral, generation FROM membership_profiles WHERE referral = $1`,
		code,
	)

	var rec ReferralRecord
	err := row.Scan(&rec.UserID, &rec.Username, &rec.Referral, &rec.Generation)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReferralNotFound
		}
		return nil, fmt.Errorf("find referral: %w", err)
	}

	return &rec, nil
}

// GetMembershipProfile возвращает партнёрский профиль пользователя.
func (r *PostgresRepository) GetMembershipProfile(ctx context.Context, userID int64) (*model.MembershipProfile, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT user_id, username, referral, generation, pack, pack_name, level, star,
		        affiliates, direct_affiliates,
		        parrain, parrain_ref, parrain_uid,
		        grand_parrain, grand_parrain_ref, grand_parrain_uid,
		        great_parrain, great_parrain_ref, great_parrain_uid,
		        updated_at
		 FROM membership_profiles WHERE user_id = $1`,
		userID,
	)

	var p model.MembershipProfile
	var pack string
	err := row.Scan(&p.UserID, &p.Username, &p.Referral, &p.Generation, &pack, &p.PackName,
		&p.Level, &p.Star, &p.Affiliates, &p.DirectAffiliates,
		&p.Parrain, &p.ParrainRef, &p.ParrainUID,
		&p.GrandParrain, &p.GrandParrainRef, &p.GrandParrainUID,
		&p.GreatParrain, &p.GreatParrainRef, &p.GreatParrainUID,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get membership profile: %w", err)
	}
	p.Pack = model.MembershipPack(pack)

	return &p, nil
}
