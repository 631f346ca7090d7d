package controllers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/storefront-backend/api/middleware"
	"github.com/angelmondragon/storefront-backend/internal/auth"
	"github.com/angelmondragon/storefront-backend/internal/checkout"
	"github.com/angelmondragon/storefront-backend/internal/media"
	"github.com/angelmondragon/storefront-backend/internal/orders"
	"github.com/angelmondragon/storefront-backend/internal/users"
	"github.com/angelmondragon/storefront-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/storefront-backend/pkg/errors"
)

type stubRegisterService struct {
	err    error
	called bool
}

func (s *stubRegisterService) Register(ctx context.Context, req auth.RegisterRequest) (*users.UserDTO, error) {
	s.called = true
	if s.err != nil {
		return nil, s.err
	}
	return &users.UserDTO{ID: uuid.New(), Email: req.Email}, nil
}

type stubAuthService struct {
	resp *auth.LoginResponse
	err  error
}

func (s stubAuthService) Login(ctx context.Context, req auth.LoginRequest) (*auth.LoginResponse, error) {
	return s.resp, s.err
}

func (s stubAuthService) Refresh(ctx context.Context, req auth.RefreshRequest) (*auth.TokenPair, error) {
	return &auth.TokenPair{AccessToken: "rotated", RefreshToken: "next"}, s.err
}

func (s stubAuthService) Logout(ctx context.Context, userID uuid.UUID, accessID string) error {
	return s.err
}

func decodeEnvelope(t *testing.T, body []byte, target any) {
	t.Helper()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, target); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

func errorCodeOf(t *testing.T, body []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return envelope.Error.Code
}

func authed(r *http.Request, userID uuid.UUID, role enums.UserRole) *http.Request {
	ctx := middleware.WithUserID(r.Context(), userID.String())
	ctx = middleware.WithRole(ctx, string(role))
	return r.WithContext(ctx)
}

func withParams(r *http.Request, kv ...string) *http.Request {
	rctx := chi.NewRouteContext()
	for i := 0; i+1 < len(kv); i += 2 {
		rctx.URLParams.Add(kv[i], kv[i+1])
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestAuthRegisterSignsInNewUser(t *testing.T) {
	reg := &stubRegisterService{}
	resp := &auth.LoginResponse{AccessToken: "new-token", RefreshToken: "refresh", User: &users.UserDTO{Email: "alice@example.com"}}
	handler := AuthRegister(reg, stubAuthService{resp: resp}, nil)

	body := `{"first_name":"Alice","last_name":"Buyer","email":"alice@example.com","password":"Secret123!"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d (%s)", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get(middleware.AccessTokenHeader); got != "new-token" {
		t.Fatalf("expected token header got %q", got)
	}
	if !reg.called {
		t.Fatalf("expected register to be called")
	}
}

func TestAuthRegisterValidation(t *testing.T) {
	reg := &stubRegisterService{}
	handler := AuthRegister(reg, stubAuthService{}, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"email":"bad","password":"short"}`)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
	if reg.called {
		t.Fatalf("register should not run on invalid payload")
	}
}

func TestAuthRegisterConflict(t *testing.T) {
	reg := &stubRegisterService{err: pkgerrors.New(pkgerrors.CodeConflict, "email already registered")}
	handler := AuthRegister(reg, stubAuthService{}, nil)

	body := `{"first_name":"Alice","last_name":"Buyer","email":"alice@example.com","password":"Secret123!"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))

	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}
}

func TestAuthLoginInvalidCredentials(t *testing.T) {
	handler := AuthLogin(stubAuthService{err: pkgerrors.New(pkgerrors.CodeUnauthorized, "invalid credentials")}, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"email":"a@b.co","password":"nope"}`)))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
	if rec.Header().Get(middleware.AccessTokenHeader) != "" {
		t.Fatalf("no token should be issued on failure")
	}
}

func TestAuthLogoutRequiresUser(t *testing.T) {
	handler := AuthLogout(stubAuthService{}, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/logout", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, authed(httptest.NewRequest(http.MethodPost, "/logout", nil), uuid.New(), enums.UserRoleCustomer))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 got %d", rec.Code)
	}
}

type stubCheckoutService struct {
	result *checkout.Result
	err    error
	input  checkout.CheckoutInput
}

func (s *stubCheckoutService) Execute(ctx context.Context, userID uuid.UUID, input checkout.CheckoutInput) (*checkout.Result, error) {
	s.input = input
	return s.result, s.err
}

func TestCheckoutReturnsPendingPayment(t *testing.T) {
	orderID := uuid.New()
	svc := &stubCheckoutService{result: &checkout.Result{
		Order:          orders.OrderDTO{ID: orderID, Status: enums.OrderStatusPendingPayment},
		PaymentPending: true,
	}}
	handler := Checkout(svc, nil)

	productID := uuid.New()
	body := `{"items":[{"product_id":"` + productID.String() + `","quantity":2}],"address_id":"` + uuid.NewString() + `"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), uuid.New(), enums.UserRoleCustomer)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d (%s)", rec.Code, rec.Body.String())
	}
	var result checkout.Result
	decodeEnvelope(t, rec.Body.Bytes(), &result)
	if !result.PaymentPending || result.Order.ID != orderID {
		t.Fatalf("unexpected result %+v", result)
	}
	if len(svc.input.Items) != 1 || svc.input.Items[0].ProductID != productID || svc.input.Items[0].Quantity != 2 {
		t.Fatalf("unexpected input %+v", svc.input)
	}
}

func TestCheckoutRejectsOutOfRangeQuantity(t *testing.T) {
	svc := &stubCheckoutService{}
	handler := Checkout(svc, nil)

	body := `{"items":[{"product_id":"` + uuid.NewString() + `","quantity":101}],"address_id":"` + uuid.NewString() + `"}`
	req := authed(httptest.NewRequest(http.MethodPost, "/checkout", strings.NewReader(body)), uuid.New(), enums.UserRoleCustomer)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

type stubOrdersService struct {
	orders.Service
	cancelErr error
	update    orders.UpdateStatusInput
}

func (s *stubOrdersService) Cancel(ctx context.Context, userID, orderID uuid.UUID) (*orders.OrderDTO, error) {
	if s.cancelErr != nil {
		return nil, s.cancelErr
	}
	return &orders.OrderDTO{ID: orderID, UserID: userID, Status: enums.OrderStatusCancelled}, nil
}

func (s *stubOrdersService) UpdateStatus(ctx context.Context, input orders.UpdateStatusInput) (*orders.OrderDTO, error) {
	s.update = input
	return &orders.OrderDTO{ID: input.OrderID, Status: enums.OrderStatus(input.Status)}, nil
}

func TestOrderCancelMapsStateConflict(t *testing.T) {
	svc := &stubOrdersService{cancelErr: pkgerrors.New(pkgerrors.CodeStateConflict, "order cannot be cancelled")}
	handler := OrderCancel(svc, nil)

	req := httptest.NewRequest(http.MethodPost, "/orders/x/cancel", nil)
	req = withParams(authed(req, uuid.New(), enums.UserRoleCustomer), "orderId", uuid.NewString())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 got %d", rec.Code)
	}
	if code := errorCodeOf(t, rec.Body.Bytes()); code != string(pkgerrors.CodeStateConflict) {
		t.Fatalf("expected %s got %s", pkgerrors.CodeStateConflict, code)
	}
}

func TestOrderCancelRejectsBadID(t *testing.T) {
	handler := OrderCancel(&stubOrdersService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/orders/x/cancel", nil)
	req = withParams(authed(req, uuid.New(), enums.UserRoleCustomer), "orderId", "not-a-uuid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestAdminOrderUpdateStatusPassesActor(t *testing.T) {
	svc := &stubOrdersService{}
	handler := AdminOrderUpdateStatus(svc, nil)
	actor := uuid.New()
	orderID := uuid.New()

	req := httptest.NewRequest(http.MethodPatch, "/orders/x/status", strings.NewReader(`{"status":"fulfilled","reason":" shipped "}`))
	req = withParams(authed(req, actor, enums.UserRoleAdmin), "orderId", orderID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.update.ActorID != actor || svc.update.OrderID != orderID || svc.update.Reason != "shipped" || svc.update.Status != "fulfilled" {
		t.Fatalf("unexpected update input %+v", svc.update)
	}
}

type stubUsersService struct {
	users.Service
	setActiveCalls int
}

func (s *stubUsersService) SetActive(ctx context.Context, userID uuid.UUID, active bool) (*users.UserDTO, error) {
	s.setActiveCalls++
	return &users.UserDTO{ID: userID, IsActive: active}, nil
}

func TestAdminUserUpdateBlocksSelfDeactivation(t *testing.T) {
	svc := &stubUsersService{}
	handler := AdminUserUpdate(svc, nil)
	actor := uuid.New()

	req := httptest.NewRequest(http.MethodPatch, "/users/x", strings.NewReader(`{"is_active":false}`))
	req = withParams(authed(req, actor, enums.UserRoleAdmin), "userId", actor.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 got %d", rec.Code)
	}

	other := uuid.New()
	req = httptest.NewRequest(http.MethodPatch, "/users/x", strings.NewReader(`{"is_active":false}`))
	req = withParams(authed(req, actor, enums.UserRoleAdmin), "userId", other.String())
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || svc.setActiveCalls != 1 {
		t.Fatalf("expected deactivation of other user, code=%d calls=%d", rec.Code, svc.setActiveCalls)
	}
}

type stubMediaService struct {
	input   media.UploadInput
	payload []byte
}

func (s *stubMediaService) Upload(ctx context.Context, input media.UploadInput) (*media.MediaDTO, error) {
	s.input = input
	s.payload, _ = io.ReadAll(input.Body)
	return &media.MediaDTO{ID: uuid.New(), ProductID: input.ProductID, Kind: input.Kind}, nil
}

func (s *stubMediaService) Delete(ctx context.Context, productID, mediaID uuid.UUID) error {
	return nil
}

func multipartBody(t *testing.T, kind string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if kind != "" {
		if err := writer.WriteField("kind", kind); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := writer.CreateFormFile("file", "upload.bin")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, writer.FormDataContentType()
}

func TestAdminMediaUploadForwardsFile(t *testing.T) {
	svc := &stubMediaService{}
	handler := AdminMediaUpload(svc, nil)
	productID := uuid.New()

	body, contentType := multipartBody(t, "image", []byte("\x89PNG\r\n\x1a\nrest"))
	req := httptest.NewRequest(http.MethodPost, "/products/x/media", body)
	req.Header.Set("Content-Type", contentType)
	req = withParams(req, "productId", productID.String())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d (%s)", rec.Code, rec.Body.String())
	}
	if svc.input.ProductID != productID || svc.input.Kind != enums.MediaKindImage {
		t.Fatalf("unexpected upload input %+v", svc.input)
	}
	if !bytes.HasPrefix(svc.payload, []byte("\x89PNG")) {
		t.Fatalf("expected file bytes forwarded")
	}
}

func TestAdminMediaUploadRequiresKind(t *testing.T) {
	handler := AdminMediaUpload(&stubMediaService{}, nil)
	body, contentType := multipartBody(t, "", []byte("data"))
	req := httptest.NewRequest(http.MethodPost, "/products/x/media", body)
	req.Header.Set("Content-Type", contentType)
	req = withParams(req, "productId", uuid.NewString())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}
