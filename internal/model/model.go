// Package model содержит доменные сущности кошелькового сервиса Tapaar.
package model

import "time"

// User представляет зарегистрированного пользователя сервиса.
type User struct {
	ID           int64
	Username     string
	Email        string
	Phone        string
	PasswordHash []byte
	CreatedAt    time.Time
}

// WalletKind определяет вид кошелька пользователя.
type WalletKind string

const (
	WalletTopup WalletKind = "topup"
	WalletBonus WalletKind = "bonus"
	WalletCoins WalletKind = "coins"
)

// Valid сообщает, допустим ли вид кошелька.
func (k WalletKind) Valid() bool {
	return k == WalletTopup || k == WalletBonus || k == WalletCoins
}

// Wallet содержит баланс одного кошелька пользователя.
// Баланс хранится в целых TapaarPoints и никогда не опускается ниже нуля.
type Wallet struct {
	UserID    int64
	Kind      WalletKind
	Balance   int64
	UpdatedAt time.Time
}

// Balance объединяет балансы всех кошельков пользователя.
type Balance struct {
	Topup int64 `json:"topup"`
	Bonus int64 `json:"bonus"`
	Coins int64 `json:"coins"`
}

// TransactionStatus описывает статус операции в истории пользователя.
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionConfirmed TransactionStatus = "confirmed"
	TransactionCancelled TransactionStatus = "cancelled"
)

// TransactionGroup группирует операции для отображения в истории.
type TransactionGroup string

const (
	GroupTopup    TransactionGroup = "topup"
	GroupAirtime  TransactionGroup = "airtime"
	GroupProducts TransactionGroup = "products"
	GroupBonus    TransactionGroup = "bonus"
)

// TransactionType определяет направление движения средств.
type TransactionType string

const (
	TypeIn  TransactionType = "in"
	TypeOut TransactionType = "out"
)

// Transaction описывает одно движение средств в истории пользователя.
// Запись неизменяемая: меняться может только статус, и только
// pending -> confirmed либо pending -> cancelled.
type Transaction struct {
	ID            string            `json:"id"`
	UserID        int64             `json:"-"`
	Date          string            `json:"date"`
	OpRef         string            `json:"opRef"`
	Label         string            `json:"label"`
	Category      string            `json:"category"`
	Group         TransactionGroup  `json:"group"`
	Type          TransactionType   `json:"type"`
	Amount        int64             `json:"amount"`
	DisplayAmount int64             `json:"displayAmount"`
	Fees          int64             `json:"fees"`
	SenderID      string            `json:"senderID"`
	Sender        string            `json:"sender"`
	SenderPhone   string            `json:"senderPhone"`
	ReceiverID    string            `json:"receiverID"`
	Receiver      string            `json:"receiver"`
	ReceiverPhone string            `json:"receiverPhone"`
	Method        string            `json:"method"`
	MethodRef     string            `json:"methodRef"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// CouponStatus описывает состояние купона пополнения.
type CouponStatus string

const (
	CouponPending CouponStatus = "pending"
	CouponActive  CouponStatus = "active"
	CouponUsed    CouponStatus = "used"
	CouponExpired CouponStatus = "expired"
)

// CouponValidityDays — срок действия купона после подтверждения оплаты.
const CouponValidityDays = 60

// Coupon представляет купленный лот баллов, ожидающий подтверждения оплаты.
// Идентификатор купона совпадает с идентификатором его транзакции.
type Coupon struct {
	ID        string       `json:"id"`
	UserID    int64        `json:"-"`
	Amount    int64        `json:"amount"`
	Status    CouponStatus `json:"status"`
	CreatedAt time.Time    `json:"createdAt"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
}

// InboundSMS — запись о входящем платёжном SMS, разобранном внешним
// конвейером. Сервис читает разобранные поля и единожды выставляет processed.
type InboundSMS struct {
	ID                    int64
	Operator              string
	ParsedAmount          int64
	ParsedPhoneNormalized string
	ParsedRef             string
	Processed             bool
	CreatedAt             time.Time
}

// JobStatus описывает состояние задания на внешний USSD-набор.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job — задание для внешнего исполнителя пополнения эфирного времени.
// Терминальный статус выставляет внешний воркер.
type Job struct {
	ID            string
	UserID        int64
	Amount        int64
	Operator      string
	PhoneNumber   string
	Status        JobStatus
	TransactionID string
	USSDSequence  []string
	PIN           string
	CreatedAt     time.Time
}

// MembershipPack перечисляет тарифные пакеты аккаунта.
type MembershipPack string

const (
	PackBasic     MembershipPack = "basic"
	PackEtoile    MembershipPack = "pack_etoile"
	PackPrivilege MembershipPack = "pack_privilege"
)

// MembershipProfile — партнёрский профиль пользователя. Поля трёх поколений
// пригласивших заполняются один раз при регистрации как денормализованный
// снимок и далее не пересчитываются.
type MembershipProfile struct {
	UserID           int64          `json:"-"`
	Username         string         `json:"username"`
	Referral         string         `json:"referral"`
	Generation       int            `json:"generation"`
	Pack             MembershipPack `json:"pack"`
	PackName         string         `json:"packName"`
	Level            int            `json:"level"`
	Star             int            `json:"star"`
	Affiliates       int            `json:"affiliates"`
	DirectAffiliates int            `json:"directAffiliates"`
	Parrain          string         `json:"parrain"`
	ParrainRef       string         `json:"parrainRef"`
	ParrainUID       string         `json:"parrainUid"`
	GrandParrain     string         `json:"grandParrain"`
	GrandParrainRef  string         `json:"grandParrainRef"`
	GrandParrainUID  string         `json:"grandParrainUid"`
	GreatParrain     string         `json:"greatParrain"`
	GreatParrainRef  string         `json:"greatParrainRef"`
	GreatParrainUID  string         `json:"greatParrainUid"`
	UpdatedAt        time.Time      `json:"updatedAt"`
}

// Task описывает вознаграждаемое задание из общего каталога.
type Task struct {
	ID     string
	Title  string
	Reward int64
}
