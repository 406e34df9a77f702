// Package handler содержит HTTP-обработчики API сервиса реферальных купонов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
	"github.com/mmeshcher/referral-coupon-system/internal/repository"
	"github.com/mmeshcher/referral-coupon-system/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateUser(ctx context.Context, email, password string, role model.UserRole) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	CreateShop(ctx context.Context, name, ownerID string) (*model.Shop, error)
	CreateCoupon(ctx context.Context, userID, shopID string, threshold int, expiresAt time.Time) (*model.Coupon, error)
	GetCoupon(ctx context.Context, couponID string) (*model.Coupon, error)
	ListCoupons(ctx context.Context) ([]model.Coupon, error)
	CreateShareLink(ctx context.Context, couponID string, userID *string) (*model.ShareLink, error)
	RecordClick(ctx context.Context, shareLinkID, clickerID, clickerIP string) (*model.Click, bool, error)
	ForceActivate(ctx context.Context, couponID string) (*model.Coupon, error)
	Redeem(ctx context.Context, couponID, redeemerID, shopkeeperID string) (*model.Redemption, error)
}

// Handler реализует HTTP-обработчики API сервиса реферальных купонов.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

// respondError сопоставляет ошибки бизнес-логики с HTTP-статусами.
// Ошибки переходов несут фактический статус купона дословно в теле ответа.
func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	var ite *service.InvalidTransitionError

	switch {
	case errors.Is(err, service.ErrMalformedID):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrUserNotFound),
		errors.Is(err, repository.ErrShopNotFound),
		errors.Is(err, repository.ErrCouponNotFound),
		errors.Is(err, repository.ErrShareLinkNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, repository.ErrUserExists),
		errors.Is(err, repository.ErrShopExists),
		errors.Is(err, repository.ErrAlreadyRedeemed):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &ite):
		h.writeJSON(w, http.StatusConflict, errorResponse{Error: ite.Error()})
	case errors.Is(err, service.ErrCouponExpired):
		h.writeJSON(w, http.StatusGone, errorResponse{Error: err.Error()})
	case errors.Is(err, service.ErrNotShopkeeper),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidThreshold):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
	}
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

// CreateUser обрабатывает создание нового пользователя.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if req.Email == "" || req.Password == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "email and password are required"})
		return
	}

	user, err := h.service.CreateUser(r.Context(), req.Email, req.Password, model.UserRole(req.Role))
	if err != nil {
		h.respondError(w, "create user error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// ListUsers возвращает всех пользователей.
func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context())
	if err != nil {
		h.respondError(w, "list users error", err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for i := range users {
		resp = append(resp, toUserResponse(&users[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type createShopRequest struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

type shopResponse struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

// CreateShop обрабатывает создание магазина.
func (h *Handler) CreateShop(w http.ResponseWriter, r *http.Request) {
	var req createShopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	if req.Name == "" {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}

	shop, err := h.service.CreateShop(r.Context(), req.Name, req.OwnerID)
	if err != nil {
		h.respondError(w, "create shop error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, shopResponse{
		ID:      shop.ID,
		Name:    shop.Name,
		OwnerID: shop.OwnerID,
	})
}

type createCouponRequest struct {
	UserID    string `json:"user_id"`
	ShopID    string `json:"shop_id"`
	Threshold int    `json:"threshold,omitempty"`
	ExpiresAt string `json:"expires_at"`
}

type couponResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ShopID    string `json:"shop_id"`
	Status    string `json:"status"`
	Threshold int    `json:"threshold"`
	ExpiresAt string `json:"expires_at"`
	CreatedAt string `json:"created_at"`
}

func toCouponResponse(c *model.Coupon) couponResponse {
	return couponResponse{
		ID:        c.ID,
		UserID:    c.UserID,
		ShopID:    c.ShopID,
		Status:    string(c.Status),
		Threshold: c.Threshold,
		ExpiresAt: c.ExpiresAt.Format(time.RFC3339),
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

// CreateCoupon обрабатывает создание купона.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req createCouponRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expires_at must be RFC3339 timestamp"})
		return
	}

	coupon, err := h.service.CreateCoupon(r.Context(), req.UserID, req.ShopID, req.Threshold, expiresAt)
	if err != nil {
		h.respondError(w, "create coupon error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toCouponResponse(coupon))
}

// GetCoupon возвращает купон по идентификатору из пути запроса.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.service.GetCoupon(r.Context(), couponIDParam(r))
	if err != nil {
		h.respondError(w, "get coupon error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toCouponResponse(coupon))
}

// ListCoupons возвращает все купоны.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	coupons, err := h.service.ListCoupons(r.Context())
	if err != nil {
		h.respondError(w, "list coupons error", err)
		return
	}

	resp := make([]couponResponse, 0, len(coupons))
	for i := range coupons {
		resp = append(resp, toCouponResponse(&coupons[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ForceActivate активирует купон вручную, минуя проверку порога.
func (h *Handler) ForceActivate(w http.ResponseWriter, r *http.Request) {
	coupon, err := h.service.ForceActivate(r.Context(), couponIDParam(r))
	if err != nil {
		h.respondError(w, "force activate error", err)
		return
	}

	h.writeJSON(w, http.StatusOK, toCouponResponse(coupon))
}

type createShareLinkRequest struct {
	CouponID string  `json:"coupon_id"`
	UserID   *string `json:"user_id,omitempty"`
}

type shareLinkResponse struct {
	ID       string  `json:"id"`
	CouponID string  `json:"coupon_id"`
	LinkURL  string  `json:"link_url"`
	UserID   *string `json:"user_id,omitempty"`
}

// CreateShareLink создаёт реферальную ссылку для купона.
func (h *Handler) CreateShareLink(w http.ResponseWriter, r *http.Request) {
	var req createShareLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	link, err := h.service.CreateShareLink(r.Context(), req.CouponID, req.UserID)
	if err != nil {
		h.respondError(w, "create share link error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, shareLinkResponse{
		ID:       link.ID,
		CouponID: link.CouponID,
		LinkURL:  link.LinkURL,
		UserID:   link.UserID,
	})
}

type recordClickRequest struct {
	ShareLinkID string `json:"share_link_id"`
	ClickerID   string `json:"clicker_id,omitempty"`
}

type clickResponse struct {
	ID          string  `json:"id"`
	ShareLinkID string  `json:"share_link_id"`
	ClickerID   *string `json:"clicker_id,omitempty"`
	ClickerIP   *string `json:"clicker_ip,omitempty"`
	ClickedAt   string  `json:"clicked_at"`
	Activated   bool    `json:"activated"`
}

// RecordClick сохраняет переход по реферальной ссылке.
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	var req recordClickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	click, activated, err := h.service.RecordClick(r.Context(), req.ShareLinkID, req.ClickerID, clientIP(r))
	if err != nil {
		h.respondError(w, "record click error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, clickResponse{
		ID:          click.ID,
		ShareLinkID: click.ShareLinkID,
		ClickerID:   click.ClickerID,
		ClickerIP:   click.ClickerIP,
		ClickedAt:   click.ClickedAt.Format(time.RFC3339),
		Activated:   activated,
	})
}

type redeemRequest struct {
	CouponID     string `json:"coupon_id"`
	RedeemerID   string `json:"redeemer_id"`
	ShopkeeperID string `json:"shopkeeper_id"`
}

type redemptionResponse struct {
	ID           string `json:"id"`
	CouponID     string `json:"coupon_id"`
	RedeemerID   string `json:"redeemer_id"`
	ShopkeeperID string `json:"shopkeeper_id"`
	ConfirmedAt  string `json:"confirmed_at"`
}

// Redeem выполняет одноразовое погашение активного купона.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	red, err := h.service.Redeem(r.Context(), req.CouponID, req.RedeemerID, req.ShopkeeperID)
	if err != nil {
		h.respondError(w, "redeem error", err)
		return
	}

	h.writeJSON(w, http.StatusCreated, redemptionResponse{
		ID:           red.ID,
		CouponID:     red.CouponID,
		RedeemerID:   red.RedeemerID,
		ShopkeeperID: red.ShopkeeperID,
		ConfirmedAt:  red.ConfirmedAt.Format(time.RFC3339),
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
