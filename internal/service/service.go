// Package service реализует бизнес-логику сервиса реферальных купонов.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
	"github.com/mmeshcher/referral-coupon-system/internal/validation"
)

// Порог активации купона по умолчанию.
const defaultThreshold = 3

// ErrMalformedID возвращается, если переданный идентификатор не соответствует
// каноническому формату.
var (
	ErrMalformedID = errors.New("malformed identifier")
	// ErrCouponExpired возвращается при попытке перехода для просроченного купона.
	ErrCouponExpired = errors.New("coupon expired")
	// ErrNotShopkeeper возвращается, если владелец магазина не имеет роли shopkeeper.
	ErrNotShopkeeper = errors.New("shop owner must have shopkeeper role")
	// ErrInvalidRole возвращается при неизвестной роли пользователя.
	ErrInvalidRole = errors.New("unknown user role")
	// ErrInvalidThreshold возвращается при неположительном пороге активации.
	ErrInvalidThreshold = errors.New("threshold must be positive")
)

// InvalidTransitionError возвращается, когда предусловие перехода статуса не
// выполнено. Содержит фактический и запрошенный статусы: фактический статус
// обязан доходить до клиента дословно.
type InvalidTransitionError struct {
	Current   model.CouponStatus
	Requested model.CouponStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: coupon is %s, requested %s", e.Current, e.Requested)
}

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateUser(ctx context.Context, email string, role model.UserRole, passwordHash []byte) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	CreateShop(ctx context.Context, name, ownerID string) (*model.Shop, error)
	GetShopByID(ctx context.Context, id string) (*model.Shop, error)
	CreateCoupon(ctx context.Context, userID, shopID string, threshold int, expiresAt time.Time) (*model.Coupon, error)
	GetCouponByID(ctx context.Context, id string) (*model.Coupon, error)
	ListCoupons(ctx context.Context) ([]model.Coupon, error)
	CreateShareLink(ctx context.Context, couponID, linkURL string, userID *string) (*model.ShareLink, error)
	GetShareLinkByID(ctx context.Context, id string) (*model.ShareLink, error)
	CreateClick(ctx context.Context, shareLinkID string, clickerID, clickerIP *string) (*model.Click, error)
	CountClicksByCoupon(ctx context.Context, couponID string) (int, error)
	UpdateCouponStatus(ctx context.Context, id string, expected, next model.CouponStatus) (bool, error)
	RedeemCoupon(ctx context.Context, couponID, redeemerID, shopkeeperID string) (*model.Redemption, model.CouponStatus, error)
}

// Service содержит бизнес-логику сервиса реферальных купонов.
type Service struct {
	repo        Repository
	linkBaseURL string
}

// NewService создаёт новый сервис с указанным репозиторием и базовым URL
// для генерируемых реферальных ссылок.
func NewService(repo Repository, linkBaseURL string) *Service {
	return &Service{
		repo:        repo,
		linkBaseURL: linkBaseURL,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// CreateUser создаёт нового пользователя с указанной ролью.
func (s *Service) CreateUser(ctx context.Context, email, password string, role model.UserRole) (*model.User, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRole, role)
	}

	hashed := hashPassword(email, password)
	return s.repo.CreateUser(ctx, email, role, hashed)
}

// ListUsers возвращает всех пользователей.
func (s *Service) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.repo.ListUsers(ctx)
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// CreateShop создаёт магазин. Владелец должен существовать и иметь роль
// shopkeeper; на одного владельца допускается один магазин.
func (s *Service) CreateShop(ctx context.Context, name, ownerID string) (*model.Shop, error) {
	if !validation.IsValidID(ownerID) {
		return nil, fmt.Errorf("%w: owner id", ErrMalformedID)
	}

	owner, err := s.repo.GetUserByID(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if owner.Role != model.RoleShopkeeper {
		return nil, fmt.Errorf("%w: got %s", ErrNotShopkeeper, owner.Role)
	}

	return s.repo.CreateShop(ctx, name, ownerID)
}

// CreateCoupon создаёт купон в статусе pending. Нулевой порог заменяется
// значением по умолчанию.
func (s *Service) CreateCoupon(ctx context.Context, userID, shopID string, threshold int, expiresAt time.Time) (*model.Coupon, error) {
	if !validation.IsValidID(userID) {
		return nil, fmt.Errorf("%w: user id", ErrMalformedID)
	}
	if !validation.IsValidID(shopID) {
		return nil, fmt.Errorf("%w: shop id", ErrMalformedID)
	}
	if threshold < 0 {
		return nil, ErrInvalidThreshold
	}
	if threshold == 0 {
		threshold = defaultThreshold
	}

	if _, err := s.repo.GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetShopByID(ctx, shopID); err != nil {
		return nil, err
	}

	return s.repo.CreateCoupon(ctx, userID, shopID, threshold, expiresAt)
}

// GetCoupon возвращает купон по идентификатору.
func (s *Service) GetCoupon(ctx context.Context, couponID string) (*model.Coupon, error) {
	if !validation.IsValidID(couponID) {
		return nil, fmt.Errorf("%w: coupon id", ErrMalformedID)
	}
	return s.repo.GetCouponByID(ctx, couponID)
}

// ListCoupons возвращает все купоны.
func (s *Service) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	return s.repo.ListCoupons(ctx)
}

// CreateShareLink создаёт реферальную ссылку для существующего купона.
// Ссылка неизменяема после создания.
func (s *Service) CreateShareLink(ctx context.Context, couponID string, userID *string) (*model.ShareLink, error) {
	if !validation.IsValidID(couponID) {
		return nil, fmt.Errorf("%w: coupon id", ErrMalformedID)
	}
	if userID != nil {
		if !validation.IsValidID(*userID) {
			return nil, fmt.Errorf("%w: user id", ErrMalformedID)
		}
		if _, err := s.repo.GetUserByID(ctx, *userID); err != nil {
			return nil, err
		}
	}

	if _, err := s.repo.GetCouponByID(ctx, couponID); err != nil {
		return nil, err
	}

	token, err := newLinkToken()
	if err != nil {
		return nil, fmt.Errorf("generate link token: %w", err)
	}
	linkURL := fmt.Sprintf("%s/redeem/%s/%s", s.linkBaseURL, couponID, token)

	return s.repo.CreateShareLink(ctx, couponID, linkURL, userID)
}

func newLinkToken() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
