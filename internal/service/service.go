// Package service реализует бизнес-логику кошелькового сервиса Tapaar.
package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tapaar/ledger-service/internal/evidence"
	"github.com/tapaar/ledger-service/internal/model"
	"github.com/tapaar/ledger-service/internal/referral"
	"github.com/tapaar/ledger-service/internal/repository"
	"github.com/tapaar/ledger-service/internal/ussd"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	RegisterUser(ctx context.Context, u model.User, profile model.MembershipProfile, parentID *int64) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	GetUserByID(ctx context.Context, id int64) (*model.User, error)
	FindReferralByCode(ctx context.Context, code string) (*repository.ReferralRecord, error)
	GetMembershipProfile(ctx context.Context, userID int64) (*model.MembershipProfile, error)
	GetBalance(ctx context.Context, userID int64, kind model.WalletKind) (int64, error)
	GetBalances(ctx context.Context, userID int64) (*model.Balance, error)
	GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error)
	GetTransactionByID(ctx context.Context, userID int64, id string) (*model.Transaction, error)
	CreateCouponPurchase(ctx context.Context, t model.Transaction, c model.Coupon) error
	AttachPaymentEvidence(ctx context.Context, userID int64, txID, operator, phone, opRef, methodRef, date string) error
	FindUnprocessedSMS(ctx context.Context, operator string, amount int64, phone, ref string) (*model.InboundSMS, error)
	ConfirmCoupon(ctx context.Context, userID int64, txID string, smsID int64, amount int64, expiresAt time.Time) error
	CreateTransfer(ctx context.Context, senderKind model.WalletKind, out, in model.Transaction, amount int64) error
	GetTask(ctx context.Context, taskID string) (*model.Task, error)
	CompleteTask(ctx context.Context, userID int64, taskID string, reward int64) (int64, error)
	CreateAirtimePurchase(ctx context.Context, kind model.WalletKind, t model.Transaction, job model.Job) error
	UpgradeMembership(ctx context.Context, kind model.WalletKind, t model.Transaction, pack model.MembershipPack, packName string) error
	ReconcileJobStatuses(ctx context.Context) (int64, error)
}

// Mailer описывает контракт почтового релея.
type Mailer interface {
	Send(ctx context.Context, to, subject, html string) error
}

// ErrInvalidAmount возвращается для нулевой или отрицательной суммы операции.
var (
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidPaymentSource возвращается, если источник оплаты не topup и не bonus.
	ErrInvalidPaymentSource = errors.New("invalid payment source")
	// ErrUnknownPack возвращается для тарифного пакета вне каталога.
	ErrUnknownPack = errors.New("unknown membership pack")
	// ErrEvidenceMissing возвращается при попытке сверки транзакции без референса платежа.
	ErrEvidenceMissing = errors.New("no payment evidence attached")
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// referralCodeAttempts — предел пересдач кода приглашения при столкновении.
const referralCodeAttempts = 3

// VerifyStatus — результат сверки платежа.
type VerifyStatus string

const (
	VerifyConfirmed VerifyStatus = "confirmed"
	VerifyPending   VerifyStatus = "pending"
)

// packCatalog перечисляет платные тарифные пакеты и их стоимость.
var packCatalog = map[model.MembershipPack]struct {
	Name string
	Cost int64
}{
	model.PackEtoile:    {Name: "Compte Étoile", Cost: 5000},
	model.PackPrivilege: {Name: "Compte Privilège", Cost: 10000},
}

// Service содержит бизнес-логику кошелькового сервиса.
type Service struct {
	repo           Repository
	mailer         Mailer
	verifyInterval time.Duration
}

// NewService создаёт сервис с указанным репозиторием и почтовым клиентом.
// Интервал verifyInterval — пауза между двумя автоматическими попытками сверки.
func NewService(repo Repository, m Mailer, verifyInterval time.Duration) *Service {
	if verifyInterval <= 0 {
		verifyInterval = 30 * time.Second
	}
	return &Service{
		repo:           repo,
		mailer:         m,
		verifyInterval: verifyInterval,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterUser регистрирует пользователя: создаёт учётную запись, три
// кошелька и партнёрский профиль со снимком родословной пригласившего.
func (s *Service) RegisterUser(ctx context.Context, username, email, phone, password, referralCode string) (int64, error) {
	var parentID *int64
	var parentProfile *model.MembershipProfile

	if referralCode != "" {
		rec, err := s.repo.FindReferralByCode(ctx, referralCode)
		if err != nil {
			return 0, err
		}
		parentProfile, err = s.repo.GetMembershipProfile(ctx, rec.UserID)
		if err != nil {
			return 0, err
		}
		parentID = &rec.UserID
	}

	lineage := referral.SnapshotFromParent(parentProfile)

	u := model.User{
		Username:     username,
		Email:        email,
		Phone:        phone,
		PasswordHash: hashPassword(email, password),
	}

	profile := model.MembershipProfile{
		Username:        username,
		Generation:      lineage.Generation,
		Pack:            model.PackBasic,
		PackName:        "Gratuit",
		Parrain:         lineage.Parrain,
		ParrainRef:      lineage.ParrainRef,
		ParrainUID:      lineage.ParrainUID,
		GrandParrain:    lineage.GrandParrain,
		GrandParrainRef: lineage.GrandParrainRef,
		GrandParrainUID: lineage.GrandParrainUID,
		GreatParrain:    lineage.GreatParrain,
		GreatParrainRef: lineage.GreatParrainRef,
		GreatParrainUID: lineage.GreatParrainUID,
	}

	// Код приглашения случайный и короткий: столкновение пересдаётся новым
	// кодом, а не отказом в регистрации.
	var id int64
	var code string
	var err error
	for attempt := 0; ; attempt++ {
		code = referral.NewCode(username)
		profile.Referral = code

		id, err = s.repo.RegisterUser(ctx, u, profile, parentID)
		if err == nil {
			break
		}
		if !errors.Is(err, repository.ErrReferralCodeTaken) || attempt >= referralCodeAttempts-1 {
			return 0, err
		}
	}

	if s.mailer != nil {
		// Доставка письма не входит в транзакцию регистрации.
		go func() {
			mailCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = s.mailer.Send(mailCtx, email, "Bienvenue sur Tapaar",
				fmt.Sprintf("<p>Bienvenue, %s ! Votre code de parrainage : <b>%s</b></p>", username, code))
		}()
	}

	return id, nil
}

// AuthenticateUser проверяет email и пароль пользователя и возвращает его идентификатор.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(email, password)
	if !bytes.Equal(hashed, u.PasswordHash) {
		return 0, ErrInvalidCredentials
	}

	return u.ID, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// GetBalances возвращает балансы всех кошельков пользователя.
func (s *Service) GetBalances(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.repo.GetBalances(ctx, userID)
}

// GetTransactionsByUser возвращает историю операций пользователя.
func (s *Service) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.repo.GetTransactionsByUser(ctx, userID)
}

// GetMembershipProfile возвращает партнёрский профиль пользователя.
func (s *Service) GetMembershipProfile(ctx context.Context, userID int64) (*model.MembershipProfile, error) {
	return s.repo.GetMembershipProfile(ctx, userID)
}

// CouponPurchase — результат создания покупки купона.
type CouponPurchase struct {
	TransactionID string
	CouponID      string
	USSDCode      string
}

// PurchaseCoupon создаёт pending-покупку купона. Оператор необязателен;
// если он указан, ответ содержит USSD-код приёма платежа этого оператора.
func (s *Service) PurchaseCoupon(ctx context.Context, userID int64, amount int64, operator string) (*CouponPurchase, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	ussdCode := ""
	if operator != "" {
		if !evidence.KnownOperator(operator) {
			return nil, evidence.ErrUnknownOperator
		}
		var err error
		ussdCode, err = ussd.PaymentCode(operator, amount)
		if err != nil {
			return nil, err
		}
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	docID := fmt.Sprintf("coupon_%s", uuid.NewString())

	t := model.Transaction{
		ID:            docID,
		UserID:        userID,
		Date:          time.Now().UTC().Format(time.RFC3339),
		Label:         fmt.Sprintf("Achat coupon %d TP", amount),
		Category:      "Coupon",
		Group:         model.GroupTopup,
		Type:          model.TypeIn,
		Amount:        amount,
		DisplayAmount: amount,
		SenderID:      u.Phone,
		Sender:        u.Username,
		SenderPhone:   u.Phone,
		ReceiverID:    fmt.Sprintf("%d", userID),
		Receiver:      u.Username,
		ReceiverPhone: u.Phone,
		Method:        operator,
		Status:        model.TransactionPending,
	}

	c := model.Coupon{
		ID:     docID,
		UserID: userID,
		Amount: amount,
		Status: model.CouponPending,
	}

	if err := s.repo.CreateCouponPurchase(ctx, t, c); err != nil {
		return nil, err
	}

	return &CouponPurchase{
		TransactionID: docID,
		CouponID:      docID,
		USSDCode:      ussdCode,
	}, nil
}

// SubmitPaymentEvidence разбирает вставленное подтверждение платежа,
// привязывает его к pending-транзакции и запускает сверку: немедленная
// попытка, пауза и ровно одна повторная. Ожидание привязано к контексту
// вызывающего: уход пользователя отменяет повтор, ручная сверка остаётся
// доступной из истории.
func (s *Service) SubmitPaymentEvidence(ctx context.Context, userID int64, txID, operator, phone, rawText string) (VerifyStatus, error) {
	t, err := s.repo.GetTransactionByID(ctx, userID, txID)
	if err != nil {
		return "", err
	}
	// Сверка платежа существует только для покупок купонов: pending-транзакции
	// других групп подтверждаются своими механизмами.
	if t.Status != model.TransactionPending || t.Group != model.GroupTopup {
		return "", repository.ErrTransactionNotFound
	}

	cand, err := evidence.Parse(operator, rawText, t.Amount)
	if err != nil {
		return "", err
	}
	if cand.AmountMismatch {
		return "", evidence.ErrAmountMismatch
	}

	date := cand.TransactionDate.UTC().Format(time.RFC3339)
	if err := s.repo.AttachPaymentEvidence(ctx, userID, txID, operator, phone, cand.ReferenceID, rawText, date); err != nil {
		return "", err
	}

	confirmed, err := s.tryMatch(ctx, userID, txID, operator, t.Amount, phone, cand.ReferenceID)
	if err != nil {
		return "", err
	}
	if confirmed {
		return VerifyConfirmed, nil
	}

	timer := time.NewTimer(s.verifyInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return VerifyPending, nil
	case <-timer.C:
	}

	confirmed, err = s.tryMatch(ctx, userID, txID, operator, t.Amount, phone, cand.ReferenceID)
	if err != nil {
		return "", err
	}
	if confirmed {
		return VerifyConfirmed, nil
	}

	return VerifyPending, nil
}

// RetryVerification выполняет одну ручную попытку сверки для pending-транзакции.
func (s *Service) RetryVerification(ctx context.Context, userID int64, txID string) (VerifyStatus, error) {
	t, err := s.repo.GetTransactionByID(ctx, userID, txID)
	if err != nil {
		return "", err
	}
	if t.Group != model.GroupTopup {
		return "", repository.ErrTransactionNotFound
	}
	if t.Status == model.TransactionConfirmed {
		return VerifyConfirmed, nil
	}
	if t.Status != model.TransactionPending {
		return "", repository.ErrTransactionNotFound
	}
	if t.OpRef == "" {
		return "", ErrEvidenceMissing
	}

	confirmed, err := s.tryMatch(ctx, userID, txID, t.Method, t.Amount, t.SenderPhone, t.OpRef)
	if err != nil {
		return "", err
	}
	if confirmed {
		return VerifyConfirmed, nil
	}

	return VerifyPending, nil
}

// tryMatch — одна попытка сверки: поиск необработанного SMS по кортежу и
// атомарное подтверждение купона. Отсутствие совпадения — не ошибка: SMS
// могло ещё не прийти. Проигрыш гонки за SMS равнозначен отсутствию
// совпадения: повторный поиск его уже не найдёт.
func (s *Service) tryMatch(ctx context.Context, userID int64, txID, operator string, amount int64, phone, ref string) (bool, error) {
	sms, err := s.repo.FindUnprocessedSMS(ctx, operator, amount, phone, ref)
	if err != nil {
		return false, err
	}
	if sms == nil {
		return false, nil
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, model.CouponValidityDays)
	err = s.repo.ConfirmCoupon(ctx, userID, txID, sms.ID, amount, expiresAt)
	if err != nil {
		if errors.Is(err, repository.ErrSMSAlreadyProcessed) {
			return false, nil
		}
		return false, err
	}

	return true, nil
}

// AirtimePurchase — результат постановки пополнения в очередь.
type AirtimePurchase struct {
	TransactionID string
	JobID         string
}

// PurchaseAirtime списывает стоимость пополнения и ставит задание внешнему
// USSD-воркеру. Каталожные ошибки кодировщика возникают до любой записи.
func (s *Service) PurchaseAirtime(ctx context.Context, userID int64, operator, packageName string, amount int64, phone string, source model.WalletKind) (*AirtimePurchase, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if source != model.WalletTopup && source != model.WalletBonus {
		return nil, ErrInvalidPaymentSource
	}

	sequence, pin, err := ussd.Encode(operator, packageName, amount, phone)
	if err != nil {
		return nil, err
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	txID := uuid.NewString()
	jobID := uuid.NewString()

	t := model.Transaction{
		ID:            txID,
		UserID:        userID,
		Date:          time.Now().UTC().Format(time.RFC3339),
		OpRef:         fmt.Sprintf("AIRTIME-%s", jobID),
		Label:         fmt.Sprintf("Achat %s %s %s", packageName, operator, phone),
		Category:      operator,
		Group:         model.GroupAirtime,
		Type:          model.TypeOut,
		Amount:        amount,
		DisplayAmount: -amount,
		SenderID:      fmt.Sprintf("%d", userID),
		Sender:        u.Username,
		SenderPhone:   u.Phone,
		ReceiverID:    phone,
		Receiver:      phone,
		ReceiverPhone: phone,
		Method:        methodName(source),
		Status:        model.TransactionPending,
	}

	job := model.Job{
		ID:            jobID,
		UserID:        userID,
		Amount:        amount,
		Operator:      operator,
		PhoneNumber:   phone,
		Status:        model.JobPending,
		TransactionID: txID,
		USSDSequence:  sequence,
		PIN:           pin,
	}

	if err := s.repo.CreateAirtimePurchase(ctx, source, t, job); err != nil {
		return nil, err
	}

	return &AirtimePurchase{TransactionID: txID, JobID: jobID}, nil
}

// TransferPoints переводит средства другому пользователю. Перевод всегда
// зачисляется на основной кошелёк получателя независимо от источника оплаты.
func (s *Service) TransferPoints(ctx context.Context, userID, recipientID, amount int64, note string, source model.WalletKind) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}
	if source != model.WalletTopup && source != model.WalletBonus {
		return "", ErrInvalidPaymentSource
	}
	if userID == recipientID {
		return "", repository.ErrSelfTransfer
	}

	sender, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}
	recipient, err := s.repo.GetUserByID(ctx, recipientID)
	if err != nil {
		return "", err
	}

	opRef := fmt.Sprintf("TRF-%s", uuid.NewString())
	date := time.Now().UTC().Format(time.RFC3339)

	outLabel := fmt.Sprintf("Transfert à @%s", recipient.Username)
	if note != "" {
		outLabel = fmt.Sprintf("%s (%s)", outLabel, note)
	}

	out := model.Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Date:          date,
		OpRef:         opRef,
		Label:         outLabel,
		Category:      "Transfert",
		Group:         model.GroupProducts,
		Type:          model.TypeOut,
		Amount:        amount,
		DisplayAmount: -amount,
		SenderID:      fmt.Sprintf("%d", userID),
		Sender:        sender.Username,
		SenderPhone:   sender.Phone,
		ReceiverID:    fmt.Sprintf("%d", recipientID),
		Receiver:      recipient.Username,
		ReceiverPhone: recipient.Phone,
		Method:        methodName(source),
		Status:        model.TransactionConfirmed,
	}

	in := out
	in.ID = uuid.NewString()
	in.UserID = recipientID
	in.Label = fmt.Sprintf("Transfert de @%s", sender.Username)
	in.Type = model.TypeIn
	in.DisplayAmount = amount
	in.Method = methodName(model.WalletTopup)

	if err := s.repo.CreateTransfer(ctx, source, out, in, amount); err != nil {
		return "", err
	}

	return out.ID, nil
}

// TaskResult — итог выполнения задания.
type TaskResult struct {
	NewCoinBalance int64
	AlreadyDone    bool
}

// CompleteTask зачисляет награду за задание. Повторное выполнение — не
// ошибка для пользователя: награда не удваивается, возвращается текущий баланс.
func (s *Service) CompleteTask(ctx context.Context, userID int64, taskID string) (*TaskResult, error) {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	newBalance, err := s.repo.CompleteTask(ctx, userID, taskID, task.Reward)
	if err != nil {
		if errors.Is(err, repository.ErrTaskAlreadyCompleted) {
			balance, berr := s.repo.GetBalance(ctx, userID, model.WalletCoins)
			if berr != nil {
				return nil, berr
			}
			return &TaskResult{NewCoinBalance: balance, AlreadyDone: true}, nil
		}
		return nil, err
	}

	return &TaskResult{NewCoinBalance: newBalance}, nil
}

// UpgradeMembership переводит аккаунт на платный пакет, списывая его
// стоимость с выбранного кошелька. Счётчики прогресса начинаются с нуля.
func (s *Service) UpgradeMembership(ctx context.Context, userID int64, target model.MembershipPack, source model.WalletKind) (string, error) {
	if source != model.WalletTopup && source != model.WalletBonus {
		return "", ErrInvalidPaymentSource
	}

	pack, ok := packCatalog[target]
	if !ok {
		return "", ErrUnknownPack
	}

	u, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return "", err
	}

	t := model.Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Date:          time.Now().UTC().Format(time.RFC3339),
		OpRef:         fmt.Sprintf("PACK-%s", uuid.NewString()),
		Label:         fmt.Sprintf("Mise à niveau %s", pack.Name),
		Category:      "Membership",
		Group:         model.GroupBonus,
		Type:          model.TypeOut,
		Amount:        pack.Cost,
		DisplayAmount: -pack.Cost,
		SenderID:      fmt.Sprintf("%d", userID),
		Sender:        u.Username,
		SenderPhone:   u.Phone,
		Method:        methodName(source),
		Status:        model.TransactionConfirmed,
	}

	if err := s.repo.UpgradeMembership(ctx, source, t, target, pack.Name); err != nil {
		return "", err
	}

	return pack.Name, nil
}

func methodName(kind model.WalletKind) string {
	if kind == model.WalletBonus {
		return "Bonus"
	}
	return "TapaarPoints"
}

// StartJobReconciliation запускает фоновый процесс переноса терминальных
// статусов USSD-заданий в их airtime-транзакции. Интервал 0 отключает процесс.
func (s *Service) StartJobReconciliation(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = s.repo.ReconcileJobStatuses(ctx)
			}
		}
	}()
}
