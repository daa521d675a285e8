package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/tapaar/ledger-service/internal/evidence"
	"github.com/tapaar/ledger-service/internal/middleware"
	"github.com/tapaar/ledger-service/internal/model"
	"github.com/tapaar/ledger-service/internal/repository"
	"github.com/tapaar/ledger-service/internal/service"
	"github.com/tapaar/ledger-service/internal/ussd"
)

type stubService struct {
	registerUserID int64
	registerErr    error

	authUserID int64
	authErr    error

	balanceResp *model.Balance
	balanceErr  error

	transactionsResp []model.Transaction
	transactionsErr  error

	membershipResp *model.MembershipProfile

	couponResp *service.CouponPurchase
	couponErr  error

	evidenceStatus service.VerifyStatus
	evidenceErr    error

	verifyStatus service.VerifyStatus
	verifyErr    error

	airtimeResp *service.AirtimePurchase
	airtimeErr  error

	transferTxID string
	transferErr  error

	taskResp *service.TaskResult
	taskErr  error
	taskID   string

	upgradeTier string
	upgradeErr  error
}

func (s *stubService) RegisterUser(ctx context.Context, username, email, phone, password, referralCode string) (int64, error) {
	return s.registerUserID, s.registerErr
}

func (s *stubService) AuthenticateUser(ctx context.Context, email, password string) (int64, error) {
	return s.authUserID, s.authErr
}

func (s *stubService) GetBalances(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) GetTransactionsByUser(ctx context.Context, userID int64) ([]model.Transaction, error) {
	return s.transactionsResp, s.transactionsErr
}

func (s *stubService) GetMembershipProfile(ctx context.Context, userID int64) (*model.MembershipProfile, error) {
	return s.membershipResp, nil
}

func (s *stubService) PurchaseCoupon(ctx context.Context, userID int64, amount int64, operator string) (*service.CouponPurchase, error) {
	return s.couponResp, s.couponErr
}

func (s *stubService) SubmitPaymentEvidence(ctx context.Context, userID int64, txID, operator, phone, rawText string) (service.VerifyStatus, error) {
	return s.evidenceStatus, s.evidenceErr
}

func (s *stubService) RetryVerification(ctx context.Context, userID int64, txID string) (service.VerifyStatus, error) {
	return s.verifyStatus, s.verifyErr
}

func (s *stubService) PurchaseAirtime(ctx context.Context, userID int64, operator, packageName string, amount int64, phone string, source model.WalletKind) (*service.AirtimePurchase, error) {
	return s.airtimeResp, s.airtimeErr
}

func (s *stubService) TransferPoints(ctx context.Context, userID, recipientID, amount int64, note string, source model.WalletKind) (string, error) {
	return s.transferTxID, s.transferErr
}

func (s *stubService) CompleteTask(ctx context.Context, userID int64, taskID string) (*service.TaskResult, error) {
	s.taskID = taskID
	return s.taskResp, s.taskErr
}

func (s *stubService) UpgradeMembership(ctx context.Context, userID int64, target model.MembershipPack, source model.WalletKind) (string, error) {
	return s.upgradeTier, s.upgradeErr
}

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")

	return NewHandler(svc, logger, auth)
}

// doAuthed выполняет запрос через полный роутер с валидной cookie.
func doAuthed(t *testing.T, h *Handler, method, target string, body []byte) *http.Response {
	t.Helper()

	req := httptest.NewRequest(method, target, bytes.NewReader(body))

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, 1)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	return rec.Result()
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{registerUserID: 42}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Username: "amina",
		Email:    "amina@mail.com",
		Phone:    "22991112233",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatalf("register must set an auth cookie")
	}
}

func TestRegister_Conflict(t *testing.T) {
	svc := &stubService{registerErr: repository.ErrUserExists}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Username: "amina",
		Email:    "amina@mail.com",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	if rec.Result().StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusConflict)
	}
}

func TestLogin_UnauthorizedOnInvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: service.ErrInvalidCredentials}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{
		Email:    "amina@mail.com",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetBalance_JSONResponse(t *testing.T) {
	svc := &stubService{
		balanceResp: &model.Balance{Topup: 1500, Bonus: 200, Coins: 75},
	}
	h := newTestHandler(t, svc)

	res := doAuthed(t, h, http.MethodGet, "/api/user/balance", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var balance model.Balance
	if err := json.NewDecoder(res.Body).Decode(&balance); err != nil {
		t.Fatalf("decode balance: %v", err)
	}
	if balance.Topup != 1500 || balance.Bonus != 200 || balance.Coins != 75 {
		t.Fatalf("unexpected balance %+v", balance)
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)

	if rec.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Result().StatusCode, http.StatusUnauthorized)
	}
}

func TestGetTransactions_NoContent(t *testing.T) {
	svc := &stubService{transactionsResp: []model.Transaction{}}
	h := newTestHandler(t, svc)

	res := doAuthed(t, h, http.MethodGet, "/api/user/transactions", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestPurchaseCoupon_Created(t *testing.T) {
	svc := &stubService{
		couponResp: &service.CouponPurchase{
			TransactionID: "coupon_abc",
			CouponID:      "coupon_abc",
			USSDCode:      "*880*41*151855*1000#",
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(purchaseCouponRequest{Amount: 1000, Operator: "mtn"})

	res := doAuthed(t, h, http.MethodPost, "/api/user/coupons", body)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}

	var resp purchaseCouponResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.TransactionID != "coupon_abc" || resp.USSDCode == "" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitEvidence_UnprocessableOnMismatch(t *testing.T) {
	svc := &stubService{evidenceErr: evidence.ErrAmountMismatch}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(submitEvidenceRequest{
		TransactionID: "coupon_abc",
		Operator:      "mtn",
		RawText:       "Paiement 500F ...",
	})

	res := doAuthed(t, h, http.MethodPost, "/api/user/coupons/evidence", body)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestRetryVerification_RoutesTransactionID(t *testing.T) {
	svc := &stubService{verifyStatus: service.VerifyConfirmed}
	h := newTestHandler(t, svc)

	res := doAuthed(t, h, http.MethodPost, "/api/user/coupons/coupon_abc/verify", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var resp verifyResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Status != "confirmed" {
		t.Fatalf("status field = %q, want confirmed", resp.Status)
	}
}

func TestPurchaseAirtime_PaymentRequired(t *testing.T) {
	svc := &stubService{airtimeErr: repository.ErrInsufficientBalance}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(purchaseAirtimeRequest{
		Operator:      "mtn",
		Package:       "Crédit",
		Amount:        500,
		Phone:         "22990011223",
		PaymentSource: "topup",
	})

	res := doAuthed(t, h, http.MethodPost, "/api/user/airtime", body)
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestPurchaseAirtime_UnprocessableOffCatalog(t *testing.T) {
	svc := &stubService{airtimeErr: ussd.ErrUnsupportedAmount}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(purchaseAirtimeRequest{
		Operator:      "mtn",
		Package:       "Illimité",
		Amount:        999,
		Phone:         "22990011223",
		PaymentSource: "topup",
	})

	res := doAuthed(t, h, http.MethodPost, "/api/user/airtime", body)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestTransfer_BadRequestOnSelf(t *testing.T) {
	svc := &stubService{transferErr: repository.ErrSelfTransfer}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(transferRequest{
		RecipientID:   1,
		Amount:        100,
		PaymentSource: "topup",
	})

	res := doAuthed(t, h, http.MethodPost, "/api/user/transfer", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestCompleteTask_RoutesTaskID(t *testing.T) {
	svc := &stubService{taskResp: &service.TaskResult{NewCoinBalance: 25}}
	h := newTestHandler(t, svc)

	res := doAuthed(t, h, http.MethodPost, "/api/user/tasks/share_app/complete", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.taskID != "share_app" {
		t.Fatalf("task id = %q, want share_app", svc.taskID)
	}

	var resp completeTaskResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.NewCoinBalance != 25 {
		t.Fatalf("newCoinBalance = %d, want 25", resp.NewCoinBalance)
	}
}

func TestUpgradeMembership_UnprocessableUnknownPack(t *testing.T) {
	svc := &stubService{upgradeErr: service.ErrUnknownPack}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(upgradeRequest{TargetTier: "pack_or", PaymentSource: "topup"})

	res := doAuthed(t, h, http.MethodPost, "/api/user/membership/upgrade", body)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}
