package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tapaar/ledger-service/internal/model"
)

// GetBalance возвращает баланс кошелька указанного вида.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID int64, kind model.WalletKind) (int64, error) {
	var balance int64
	err := r.pool.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1 AND kind = $2`,
		userID, string(kind),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWalletNotFound
		}
		return 0, fmt.Errorf("get balance: %w", err)
	}

	return balance, nil
}

// GetBalances возвращает балансы всех кошельков пользователя.
func (r *PostgresRepository) GetBalances(ctx context.Context, userID int64) (*model.Balance, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT kind, balance FROM wallets WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select wallets: %w", err)
	}
	defer rows.Close()

	var b model.Balance
	found := false
	for rows.Next() {
		var kind string
		var balance int64
		if err := rows.Scan(&kind, &balance); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		found = true
		switch model.WalletKind(kind) {
		case model.WalletTopup:
			b.Topup = balance
		case model.WalletBonus:
			b.Bonus = balance
		case model.WalletCoins:
			b.Coins = balance
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if !found {
		return nil, ErrWalletNotFound
	}

	return &b, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t model.Transaction, createdAt time.Time) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO transactions
		 (id, user_id, date, op_ref, label, category, tx_group, tx_type,
		  amount, display_amount, fees,
		  sender_id, sender, sender_phone, receiver_id, receiver, receiver_phone,
		  method, method_ref, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
		         $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		t.ID, t.UserID, t.Date, t.OpRef, t.Label, t.Category, string(t.Group), string(t.Type),
		t.Amount, t.DisplayAmount, t.Fees,
		t.SenderID, t.Sender, t.SenderPhone, t.ReceiverID, t.Receiver, t.ReceiverPhone,
		t.Method, t.MethodRef, string(t.Status), createdAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// txNow читает серверное время БД; зеркальные записи перевода получают одну
// и ту же метку, чтобы одинаково сортироваться в обеих историях.
func txNow(ctx context.Context, tx pgx.Tx) (time.Time, error) {
	var now time.Time
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&now); err != nil {
		return time.Time{}, fmt.Errorf("select now: %w", err)
	}
	return now, nil
}

// lockWallet блокирует строку кошелька и возвращает текущий баланс.
func lockWallet(ctx context.Context, tx pgx.Tx, userID int64, kind model.WalletKind) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		`SELECT balance FROM wallets WHERE user_id = $1 AND kind = $2 FOR UPDATE`,
		userID, string(kind),
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrWalletNotFound
		}
		return 0, fmt.Errorf("lock wallet: %w", err)
	}
	return balance, nil
}

func setWalletBalance(ctx context.Context, tx pgx.Tx, userID int64, kind model.WalletKind, balance int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE wallets SET balance = $3, updated_at = now() WHERE user_id = $1 AND kind = $2`,
		userID, string(kind), balance,
	)
	if err != nil {
		return fmt.Errorf("update wallet: %w", err)
	}
	return nil
}

// CreateCouponPurchase создаёт pending-транзакцию и pending-купон с общим
// идентификатором. Баланс на этом шаге не меняется: зачисление происходит
// только при подтверждении платежа.
func (r *PostgresRepository) CreateCouponPurchase(ctx context.Context, t model.Transaction, c model.Coupon) error {
	return r.runAtomic(ctx, func(tx pgx.Tx) error {
		now, err := txNow(ctx, tx)
		if err != nil {
			return err
		}

		if err := insertTransaction(ctx, tx, t, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO coupons (id, user_id, amount, status, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, NULL)`,
			c.ID, c.UserID, c.Amount, string(c.Status), now,
		); err != nil {
			return fmt.Errorf("insert coupon: %w", err)
		}

		return nil
	})
}

// AttachPaymentEvidence записывает в pending-транзакцию купона реквизиты
// платёжного подтверждения: оператора, номер плательщика и референс,
// служащий ключом сверки. Подтверждённые транзакции и транзакции других
// групп (airtime, переводы) не трогаются.
func (r *PostgresRepository) AttachPaymentEvidence(ctx context.Context, userID int64, txID, operator, phone, opRef, methodRef, date string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions
		 SET method = $3, sender_id = $4, sender_phone = $4, receiver_phone = $4,
		     op_ref = $5, method_ref = $6, date = $7
		 WHERE id = $1 AND user_id = $2 AND status = $8 AND tx_group = $9`,
		txID, userID, operator, phone, opRef, methodRef, date,
		string(model.TransactionPending), string(model.GroupTopup),
	)
	if err != nil {
		return fmt.Errorf("attach evidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}

	return nil
}

// FindUnprocessedSMS ищет необработанное входящее SMS, совпадающее по кортежу
// (оператор, сумма, номер, референс). Возвращает nil, если совпадений нет.
func (r *PostgresRepository) FindUnprocessedSMS(ctx context.Context, operator string, amount int64, phone, ref string) (*model.InboundSMS, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, operator, parsed_amount, parsed_phone_normalized, parsed_ref, processed, created_at
		 FROM sms_inbound
		 WHERE processed = FALSE
		   AND operator = $1
		   AND parsed_amount = $2
		   AND parsed_phone_normalized = $3
		   AND parsed_ref = $4
		 ORDER BY created_at, id
		 LIMIT 1`,
		operator, amount, phone, ref,
	)

	var sms model.InboundSMS
	err := row.Scan(&sms.ID, &sms.Operator, &sms.ParsedAmount, &sms.ParsedPhoneNormalized,
		&sms.ParsedRef, &sms.Processed, &sms.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find sms: %w", err)
	}

	return &sms, nil
}

// ConfirmCoupon атомарно подтверждает покупку купона по сопоставленному SMS:
// SMS помечается обработанным, транзакция переводится в confirmed, купон
// активируется с датой истечения, основной кошелёк пополняется на сумму купона.
// Условный апдейт processed=false служит точкой взаимного исключения: из двух
// конкурирующих матчеров выигрывает ровно один, проигравший получает
// ErrSMSAlreadyProcessed без каких-либо записей.
func (r *PostgresRepository) ConfirmCoupon(ctx context.Context, userID int64, txID string, smsID int64, amount int64, expiresAt time.Time) error {
	return r.runAtomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE sms_inbound SET processed = TRUE WHERE id = $1 AND processed = FALSE`,
			smsID,
		)
		if err != nil {
			return fmt.Errorf("claim sms: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrSMSAlreadyProcessed
		}

		tag, err = tx.Exec(ctx,
			`UPDATE transactions SET status = $3 WHERE id = $1 AND user_id = $2 AND status = $4 AND tx_group = $5`,
			txID, userID, string(model.TransactionConfirmed), string(model.TransactionPending),
			string(model.GroupTopup),
		)
		if err != nil {
			return fmt.Errorf("confirm transaction: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTransactionNotFound
		}

		tag, err = tx.Exec(ctx,
			`UPDATE coupons SET status = $3, expires_at = $4 WHERE id = $1 AND user_id = $2`,
			txID, userID, string(model.CouponActive), expiresAt,
		)
		if err != nil {
			return fmt.Errorf("activate coupon: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Транзакция без купона не может быть подтверждена как купон.
			return ErrCouponNotFound
		}

		balance, err := lockWallet(ctx, tx, userID, model.WalletTopup)
		if err != nil {
			return err
		}

		return setWalletBalance(ctx, tx, userID, model.WalletTopup, balance+amount)
	})
}

// CreateTransfer атомарно переводит средства между пользователями: списывает
// с выбранного кошелька отправителя, зачисляет на основной кошелёк получателя
// и создаёт зеркальную пару записей с общим op_ref и одной меткой времени.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, senderKind model.WalletKind, out, in model.Transaction, amount int64) error {
	if out.UserID == in.UserID {
		return ErrSelfTransfer
	}

	return r.runAtomic(ctx, func(tx pgx.Tx) error {
		senderBalance, err := lockWallet(ctx, tx, out.UserID, senderKind)
		if err != nil {
			return err
		}
		if senderBalance < amount {
			return ErrInsufficientBalance
		}

		receiverBalance, err := lockWallet(ctx, tx, in.UserID, model.WalletTopup)
		if err != nil {
			if errors.Is(err, ErrWalletNotFound) {
				return ErrRecipientWalletNotFound
			}
			return err
		}

		if err := setWalletBalance(ctx, tx, out.UserID, senderKind, senderBalance-amount); err != nil {
			return err
		}
		if err := setWalletBalance(ctx, tx, in.UserID, model.WalletTopup, receiverBalance+amount); err != nil {
			return err
		}

		now, err := txNow(ctx, tx)
		if err != nil {
			return err
		}

		if err := insertTransaction(ctx, tx, out, now); err != nil {
			return err
		}
		return insertTransaction(ctx, tx, in, now)
	})
}

// CompleteTask зачисляет награду за задание в кошелёк coins. Отметка о
// выполнении и зачисление происходят в одной транзакции; повторная попытка
// возвращает ErrTaskAlreadyCompleted без изменения баланса.
func (r *PostgresRepository) CompleteTask(ctx context.Context, userID int64, taskID string, reward int64) (int64, error) {
	var newBalance int64

	err := r.runAtomic(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO user_tasks (user_id, task_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			userID, taskID,
		)
		if err != nil {
			return fmt.Errorf("mark task: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrTaskAlreadyCompleted
		}

		err = tx.QueryRow(ctx,
			`INSERT INTO wallets (user_id, kind, balance) VALUES ($1, $2, $3)
			 ON CONFLICT (user_id, kind)
			 DO UPDATE SET balance = wallets.balance + EXCLUDED.balance, updated_at = now()
			 RETURNING balance`,
			userID, string(model.WalletCoins), reward,
		).Scan(&newBalance)
		if err != nil {
			return fmt.Errorf("credit reward: %w", err)
		}

		return nil
	})
	if err != nil {
		return 0, err
	}

	return newBalance, nil
}

// GetTask возвращает задание из каталога.
func (r *PostgresRepository) GetTask(ctx context.Context, taskID string) (*model.Task, error) {
	var t model.Task
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, reward FROM tasks WHERE id = $1`,
		taskID,
	).Scan(&t.ID, &t.Title, &t.Reward)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	return &t, nil
}

// CreateAirtimePurchase атомарно списывает стоимость пополнения с выбранного
// кошелька, создаёт pending-транзакцию и задание для внешнего USSD-воркера.
func (r *PostgresRepository) CreateAirtimePurchase(ctx context.Context, kind model.WalletKind, t model.Transaction, job model.Job) error {
	return r.runAtomic(ctx, func(tx pgx.Tx) error {
		balance, err := lockWallet(ctx, tx, t.UserID, kind)
		if err != nil {
			return err
		}
		if balance < t.Amount {
			return ErrInsufficientBalance
		}

		if err := setWalletBalance(ctx, tx, t.UserID, kind, balance-t.Amount); err != nil {
			return err
		}

		now, err := txNow(ctx, tx)
		if err != nil {
			return err
		}

		if err := insertTransaction(ctx, tx, t, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, user_id, amount, operator, phone_number, status, transaction_id, ussd_sequence, pin, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			job.ID, job.UserID, job.Amount, job.Operator, job.PhoneNumber,
			string(model.JobPending), job.TransactionID, job.USSDSequence, job.PIN, now,
		); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		return nil
	})
}

// UpgradeMembership атомарно списывает стоимость пакета, создаёт confirmed-
// транзакцию и переводит профиль на новый пакет. Счётчики star и level
// сбрасываются: прогресс нового пакета начинается с нуля.
func (r *PostgresRepository) UpgradeMembership(ctx context.Context, kind model.WalletKind, t model.Transaction, pack model.MembershipPack, packName string) error {
	return r.runAtomic(ctx, func(tx pgx.Tx) error {
		balance, err := lockWallet(ctx, tx, t.UserID, kind)
		if err != nil {
			return err
		}
		if balance < t.Amount {
			return ErrInsufficientBalance
		}

		if err := setWalletBalance(ctx, tx, t.UserID, kind, balance-t.Amount); err != nil {
			return err
		}

		now, err := txNow(ctx, tx)
		if err != nil {
			return err
		}

		if err := insertTransaction(ctx, tx, t, now); err != nil {
			return err
		}

		if _, err := tx.Exec(ctx,
			`UPDATE membership_profiles
			 SET pack = $2, pack_name = $3, star = 0, level = 0, updated_at = now()
			 WHERE user_id = $1`,
			t.UserID, string(pack), packName,
		); err != nil {
			return fmt.Errorf("update membership: %w", err)
		}

		return nil
	})
}

// GetTransactionsByUser возвращает историю операций пользователя, новые первыми.
func (r *PostgresRepository) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, date, op_ref, label, category, tx_group, tx_type,
		        amount, display_amount, fees,
		        sender_id, sender, sender_phone, receiver_id, receiver, receiver_phone,
		        method, method_ref, status, created_at
		 FROM transactions
		 WHERE user_id = $1
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// GetTransactionByID возвращает транзакцию пользователя по идентификатору.
func (r *PostgresRepository) GetTransactionByID(ctx context.Context, userID int64, id string) (*model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, date, op_ref, label, category, tx_group, tx_type,
		        amount, display_amount, fees,
		        sender_id, sender, sender_phone, receiver_id, receiver, receiver_phone,
		        method, method_ref, status, created_at
		 FROM transactions
		 WHERE user_id = $1 AND id = $2`,
		userID, id,
	)
	if err != nil {
		return nil, fmt.Errorf("select transaction: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("rows error: %w", err)
		}
		return nil, ErrTransactionNotFound
	}

	return scanTransaction(rows)
}

func scanTransaction(rows pgx.Rows) (*model.Transaction, error) {
	var t model.Transaction
	var group, txType, status string

	err := rows.Scan(&t.ID, &t.UserID, &t.Date, &t.OpRef, &t.Label, &t.Category, &group, &txType,
		&t.Amount, &t.DisplayAmount, &t.Fees,
		&t.SenderID, &t.Sender, &t.SenderPhone, &t.ReceiverID, &t.Receiver, &t.ReceiverPhone,
		&t.Method, &t.MethodRef, &status, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	t.Group = model.TransactionGroup(group)
	t.Type = model.TransactionType(txType)
	t.Status = model.TransactionStatus(status)

	return &t, nil
}

// ReconcileJobStatuses переносит терминальные статусы USSD-заданий в их
// airtime-транзакции: completed подтверждает, failed отменяет. Возвращает
// число обновлённых транзакций.
func (r *PostgresRepository) ReconcileJobStatuses(ctx context.Context) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE transactions t
		 SET status = CASE j.status WHEN $1 THEN $2 ELSE $3 END
		 FROM jobs j
		 WHERE j.transaction_id = t.id
		   AND j.status IN ($1, $4)
		   AND t.status = $5`,
		string(model.JobCompleted), string(model.TransactionConfirmed), string(model.TransactionCancelled),
		string(model.JobFailed), string(model.TransactionPending),
	)
	if err != nil {
		return 0, fmt.Errorf("reconcile jobs: %w", err)
	}

	return tag.RowsAffected(), nil
}
