// Package handler содержит HTTP-обработчики API кошелькового сервиса Tapaar.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tapaar/ledger-service/internal/evidence"
	"github.com/tapaar/ledger-service/internal/middleware"
	"github.com/tapaar/ledger-service/internal/model"
	"github.com/tapaar/ledger-service/internal/repository"
	"github.com/tapaar/ledger-service/internal/service"
	"github.com/tapaar/ledger-service/internal/ussd"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterUser(ctx context.Context, username, email, phone, password, referralCode string) (int64, error)
	AuthenticateUser(ctx context.Context, email, password string) (int64, error)
	GetBalances(ctx context.Context, userID int64) (*model.Balance, error)
	GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error)
	GetMembershipProfile(ctx context.Context, userID int64) (*model.MembershipProfile, error)
	PurchaseCoupon(ctx context.Context, userID int64, amount int64, operator string) (*service.CouponPurchase, error)
	SubmitPaymentEvidence(ctx context.Context, userID int64, txID, operator, phone, rawText string) (service.VerifyStatus, error)
	RetryVerification(ctx context.Context, userID int64, txID string) (service.VerifyStatus, error)
	PurchaseAirtime(ctx context.Context, userID int64, operator, packageName string, amount int64, phone string, source model.WalletKind) (*service.AirtimePurchase, error)
	TransferPoints(ctx context.Context, userID, recipientID, amount int64, note string, source model.WalletKind) (string, error)
	CompleteTask(ctx context.Context, userID int64, taskID string) (*service.TaskResult, error)
	UpgradeMembership(ctx context.Context, userID int64, target model.MembershipPack, source model.WalletKind) (string, error)
}

// Handler реализует HTTP-обработчики API кошелькового сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

type registerRequest struct {
	Username     string `json:"username"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Password     string `json:"password"`
	ReferralCode string `json:"referralCode"`
}

// Register обрабатывает регистрацию нового пользователя.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.RegisterUser(r.Context(), req.Username, req.Email, req.Phone, req.Password, req.ReferralCode)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrUserExists):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrReferralNotFound):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "code de parrainage invalide"})
		default:
			h.logger.Error("register user error", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию пользователя и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Email == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	userID, err := h.service.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Error("login user error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, userID)
	w.WriteHeader(http.StatusOK)
}

// GetBalance возвращает балансы кошельков текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalances(r.Context(), userID)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetTransactions возвращает историю операций текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	transactions, err := h.service.GetTransactionsByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("get transactions error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(transactions) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, transactions)
}

// GetMembership возвращает партнёрский профиль текущего пользователя.
func (h *Handler) GetMembership(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	profile, err := h.service.GetMembershipProfile(r.Context(), userID)
	if err != nil {
		h.logger.Error("get membership error", zap.Error(err), zap.Int64("userID", userID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

type purchaseCouponRequest struct {
	Amount   int64  `json:"amount"`
	Operator string `json:"operator"`
}

type purchaseCouponResponse struct {
	TransactionID string `json:"transactionId"`
	CouponID      string `json:"couponId"`
	USSDCode      string `json:"ussdCode,omitempty"`
}

// PurchaseCoupon создаёт pending-покупку купона пополнения.
func (h *Handler) PurchaseCoupon(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.PurchaseCoupon(r.Context(), userID, req.Amount, req.Operator)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, evidence.ErrUnknownOperator), errors.Is(err, ussd.ErrUnknownOperator):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "opérateur inconnu"})
		default:
			h.logger.Error("purchase coupon error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, purchaseCouponResponse{
		TransactionID: res.TransactionID,
		CouponID:      res.CouponID,
		USSDCode:      res.USSDCode,
	})
}

type submitEvidenceRequest struct {
	TransactionID string `json:"transactionId"`
	Operator      string `json:"operator"`
	Phone         string `json:"phone"`
	RawText       string `json:"rawText"`
}

type verifyResponse struct {
	Status string `json:"status"`
}

// SubmitEvidence принимает вставленное подтверждение платежа и запускает сверку.
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req submitEvidenceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	status, err := h.service.SubmitPaymentEvidence(r.Context(), userID, req.TransactionID, req.Operator, req.Phone, req.RawText)
	if err != nil {
		switch {
		case errors.Is(err, evidence.ErrUnrecognizedFormat), errors.Is(err, evidence.ErrUnknownOperator):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "format de confirmation non reconnu"})
		case errors.Is(err, evidence.ErrAmountMismatch):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "le montant du SMS ne correspond pas au montant du coupon"})
		case errors.Is(err, repository.ErrTransactionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("submit evidence error", zap.Error(err), zap.Int64("userID", userID), zap.String("tx", req.TransactionID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Status: string(status)})
}

// RetryVerification выполняет одну ручную попытку сверки из истории операций.
func (h *Handler) RetryVerification(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txID := pathParam(r, "id")

	status, err := h.service.RetryVerification(r.Context(), userID, txID)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrTransactionNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrEvidenceMissing):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "aucune preuve de paiement attachée"})
		default:
			h.logger.Error("retry verification error", zap.Error(err), zap.Int64("userID", userID), zap.String("tx", txID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Status: string(status)})
}

type purchaseAirtimeRequest struct {
	Operator      string `json:"operator"`
	Package       string `json:"package"`
	Amount        int64  `json:"amount"`
	Phone         string `json:"phone"`
	PaymentSource string `json:"paymentSource"`
}

type purchaseAirtimeResponse struct {
	TransactionID string `json:"transactionId"`
	JobID         string `json:"jobId"`
}

// PurchaseAirtime списывает стоимость пополнения и ставит USSD-задание в очередь.
func (h *Handler) PurchaseAirtime(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req purchaseAirtimeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	res, err := h.service.PurchaseAirtime(r.Context(), userID, req.Operator, req.Package, req.Amount, req.Phone, model.WalletKind(req.PaymentSource))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidPaymentSource):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, ussd.ErrUnsupportedAmount):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "montant hors catalogue pour ce forfait"})
		case errors.Is(err, ussd.ErrUnknownOperator):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "opérateur inconnu"})
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("purchase airtime error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusCreated, purchaseAirtimeResponse{
		TransactionID: res.TransactionID,
		JobID:         res.JobID,
	})
}

type transferRequest struct {
	RecipientID   int64  `json:"recipientId"`
	Amount        int64  `json:"amount"`
	Note          string `json:"note"`
	PaymentSource string `json:"paymentSource"`
}

type transferResponse struct {
	TransactionID string `json:"transactionId"`
}

// Transfer переводит баллы другому пользователю.
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	txID, err := h.service.TransferPoints(r.Context(), userID, req.RecipientID, req.Amount, req.Note, model.WalletKind(req.PaymentSource))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount),
			errors.Is(err, service.ErrInvalidPaymentSource),
			errors.Is(err, repository.ErrSelfTransfer):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrUserNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			// RecipientWalletNotFound — нарушение целостности, пользователю
			// показывается общий сбой.
			h.logger.Error("transfer error", zap.Error(err), zap.Int64("userID", userID), zap.Int64("recipient", req.RecipientID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, transferResponse{TransactionID: txID})
}

type completeTaskResponse struct {
	NewCoinBalance int64 `json:"newCoinBalance"`
	AlreadyDone    bool  `json:"alreadyDone,omitempty"`
}

// CompleteTask зачисляет награду за задание текущему пользователю.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	taskID := pathParam(r, "id")

	res, err := h.service.CompleteTask(r.Context(), userID, taskID)
	if err != nil {
		if errors.Is(err, repository.ErrTaskNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("complete task error", zap.Error(err), zap.Int64("userID", userID), zap.String("task", taskID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, completeTaskResponse{
		NewCoinBalance: res.NewCoinBalance,
		AlreadyDone:    res.AlreadyDone,
	})
}

type upgradeRequest struct {
	TargetTier    string `json:"targetTier"`
	PaymentSource string `json:"paymentSource"`
}

type upgradeResponse struct {
	NewTier string `json:"newTier"`
}

// UpgradeMembership переводит аккаунт текущего пользователя на платный пакет.
func (h *Handler) UpgradeMembership(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req upgradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	newTier, err := h.service.UpgradeMembership(r.Context(), userID, model.MembershipPack(req.TargetTier), model.WalletKind(req.PaymentSource))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUnknownPack):
			writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "pack inconnu"})
		case errors.Is(err, service.ErrInvalidPaymentSource):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("upgrade membership error", zap.Error(err), zap.Int64("userID", userID))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, upgradeResponse{NewTier: newTier})
}
