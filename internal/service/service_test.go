package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
	"github.com/mmeshcher/referral-coupon-system/internal/repository"
)

// memStore — хранилище в памяти с семантикой PostgresRepository: условное
// обновление статуса и погашение выполняются атомарно под мьютексом.
type memStore struct {
	mu          sync.Mutex
	users       map[string]model.User
	emails      map[string]string
	shops       map[string]model.Shop
	shopOwners  map[string]string
	coupons     map[string]model.Coupon
	links       map[string]model.ShareLink
	clicks      []model.Click
	redemptions map[string]model.Redemption
}

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]model.User),
		emails:      make(map[string]string),
		shops:       make(map[string]model.Shop),
		shopOwners:  make(map[string]string),
		coupons:     make(map[string]model.Coupon),
		links:       make(map[string]model.ShareLink),
		redemptions: make(map[string]model.Redemption),
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) CreateUser(ctx context.Context, email string, role model.UserRole, passwordHash []byte) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.emails[email]; ok {
		return nil, repository.ErrUserExists
	}

	u := model.User{
		ID:           uuid.NewString(),
		Email:        email,
		Role:         role,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now().UTC(),
	}
	m.users[u.ID] = u
	m.emails[email] = u.ID
	return &u, nil
}

func (m *memStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return nil, repository.ErrUserNotFound
	}
	return &u, nil
}

func (m *memStore) ListUsers(ctx context.Context) ([]model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]model.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, u)
	}
	return res, nil
}

func (m *memStore) CreateShop(ctx context.Context, name, ownerID string) (*model.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.shopOwners[ownerID]; ok {
		return nil, repository.ErrShopExists
	}

	s := model.Shop{ID: uuid.NewString(), Name: name, OwnerID: ownerID}
	m.shops[s.ID] = s
	m.shopOwners[ownerID] = s.ID
	return &s, nil
}

func (m *memStore) GetShopByID(ctx context.Context, id string) (*model.Shop, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shops[id]
	if !ok {
		return nil, repository.ErrShopNotFound
	}
	return &s, nil
}

func (m *memStore) CreateCoupon(ctx context.Context, userID, shopID string, threshold int, expiresAt time.Time) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := model.Coupon{
		ID:        uuid.NewString(),
		UserID:    userID,
		ShopID:    shopID,
		Status:    model.CouponStatusPending,
		Threshold: threshold,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	m.coupons[c.ID] = c
	return &c, nil
}

func (m *memStore) GetCouponByID(ctx context.Context, id string) (*model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[id]
	if !ok {
		return nil, repository.ErrCouponNotFound
	}
	return &c, nil
}

func (m *memStore) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]model.Coupon, 0, len(m.coupons))
	for _, c := range m.coupons {
		res = append(res, c)
	}
	return res, nil
}

func (m *memStore) CreateShareLink(ctx context.Context, couponID, linkURL string, userID *string) (*model.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := model.ShareLink{
		ID:        uuid.NewString(),
		CouponID:  couponID,
		LinkURL:   linkURL,
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	m.links[l.ID] = l
	return &l, nil
}

func (m *memStore) GetShareLinkByID(ctx context.Context, id string) (*model.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.links[id]
	if !ok {
		return nil, repository.ErrShareLinkNotFound
	}
	return &l, nil
}

func (m *memStore) CreateClick(ctx context.Context, shareLinkID string, clickerID, clickerIP *string) (*model.Click, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := model.Click{
		ID:          uuid.NewString(),
		ShareLinkID: shareLinkID,
		ClickerID:   clickerID,
		ClickerIP:   clickerIP,
		ClickedAt:   time.Now().UTC(),
	}
	m.clicks = append(m.clicks, c)
	return &c, nil
}

func (m *memStore) CountClicksByCoupon(ctx context.Context, couponID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, c := range m.clicks {
		if l, ok := m.links[c.ShareLinkID]; ok && l.CouponID == couponID {
			count++
		}
	}
	return count, nil
}

func (m *memStore) UpdateCouponStatus(ctx context.Context, id string, expected, next model.CouponStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[id]
	if !ok || c.Status != expected {
		return false, nil
	}
	c.Status = next
	m.coupons[id] = c
	return true, nil
}

func (m *memStore) RedeemCoupon(ctx context.Context, couponID, redeemerID, shopkeeperID string) (*model.Redemption, model.CouponStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.coupons[couponID]
	if !ok {
		return nil, "", repository.ErrCouponNotFound
	}

	switch c.Status {
	case model.CouponStatusRedeemed:
		return nil, c.Status, repository.ErrAlreadyRedeemed
	case model.CouponStatusActive:
	default:
		return nil, c.Status, repository.ErrCouponNotActive
	}

	c.Status = model.CouponStatusRedeemed
	m.coupons[couponID] = c

	red := model.Redemption{
		ID:           uuid.NewString(),
		CouponID:     couponID,
		RedeemerID:   redeemerID,
		ShopkeeperID: shopkeeperID,
		ConfirmedAt:  time.Now().UTC(),
	}
	m.redemptions[couponID] = red
	return &red, model.CouponStatusRedeemed, nil
}

func (m *memStore) redemptionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redemptions)
}

// Вспомогательные функции подготовки данных для тестов.

func mustUser(t *testing.T, store *memStore, role model.UserRole) *model.User {
	t.Helper()
	u, err := store.CreateUser(context.Background(), string(role)+"-"+uuid.NewString()+"@example.com", role, []byte("hash"))
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func mustCoupon(t *testing.T, store *memStore, threshold int, expiresAt time.Time) *model.Coupon {
	t.Helper()

	owner := mustUser(t, store, model.RoleShopkeeper)
	shop, err := store.CreateShop(context.Background(), "shop", owner.ID)
	if err != nil {
		t.Fatalf("create shop: %v", err)
	}

	customer := mustUser(t, store, model.RoleCustomer)
	coupon, err := store.CreateCoupon(context.Background(), customer.ID, shop.ID, threshold, expiresAt)
	if err != nil {
		t.Fatalf("create coupon: %v", err)
	}
	return coupon
}

func mustShareLink(t *testing.T, store *memStore, couponID string) *model.ShareLink {
	t.Helper()
	link, err := store.CreateShareLink(context.Background(), couponID, "http://localhost:8080/redeem/"+couponID+"/"+uuid.NewString(), nil)
	if err != nil {
		t.Fatalf("create share link: %v", err)
	}
	return link
}

func futureExpiry() time.Time {
	return time.Now().UTC().Add(24 * time.Hour)
}

func TestHashPasswordDeterministic(t *testing.T) {
	a := hashPassword("user@example.com", "pass")
	b := hashPassword("user@example.com", "pass")
	c := hashPassword("user@example.com", "other")

	if string(a) != string(b) {
		t.Fatalf("hashPassword must be deterministic, got %x and %x", a, b)
	}
	if string(a) == string(c) {
		t.Fatalf("different passwords must produce different hashes")
	}
}

func TestCreateUser_RejectsUnknownRole(t *testing.T) {
	svc := NewService(newMemStore(), "http://localhost:8080")

	_, err := svc.CreateUser(context.Background(), "a@example.com", "pass", "manager")
	if !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func TestCreateShop_RequiresShopkeeperRole(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "http://localhost:8080")

	customer := mustUser(t, store, model.RoleCustomer)

	_, err := svc.CreateShop(context.Background(), "shop", customer.ID)
	if !errors.Is(err, ErrNotShopkeeper) {
		t.Fatalf("expected ErrNotShopkeeper, got %v", err)
	}
}

func TestCreateShop_MalformedOwnerID(t *testing.T) {
	svc := NewService(newMemStore(), "http://localhost:8080")

	_, err := svc.CreateShop(context.Background(), "shop", "not-a-uuid")
	if !errors.Is(err, ErrMalformedID) {
		t.Fatalf("expected ErrMalformedID, got %v", err)
	}
}

func TestCreateCoupon_DefaultThreshold(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "http://localhost:8080")

	owner := mustUser(t, store, model.RoleShopkeeper)
	shop, err := store.CreateShop(context.Background(), "shop", owner.ID)
	if err != nil {
		t.Fatalf("create shop: %v", err)
	}
	customer := mustUser(t, store, model.RoleCustomer)

	coupon, err := svc.CreateCoupon(context.Background(), customer.ID, shop.ID, 0, futureExpiry())
	if err != nil {
		t.Fatalf("CreateCoupon error: %v", err)
	}
	if coupon.Threshold != 3 {
		t.Fatalf("threshold = %d, want 3", coupon.Threshold)
	}
	if coupon.Status != model.CouponStatusPending {
		t.Fatalf("status = %s, want pending", coupon.Status)
	}
}

func TestCreateCoupon_NegativeThreshold(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "http://localhost:8080")

	owner := mustUser(t, store, model.RoleShopkeeper)
	shop, _ := store.CreateShop(context.Background(), "shop", owner.ID)
	customer := mustUser(t, store, model.RoleCustomer)

	_, err := svc.CreateCoupon(context.Background(), customer.ID, shop.ID, -1, futureExpiry())
	if !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected ErrInvalidThreshold, got %v", err)
	}
}

func TestCreateShareLink_UnknownCoupon(t *testing.T) {
	svc := NewService(newMemStore(), "http://localhost:8080")

	_, err := svc.CreateShareLink(context.Background(), uuid.NewString(), nil)
	if !errors.Is(err, repository.ErrCouponNotFound) {
		t.Fatalf("expected ErrCouponNotFound, got %v", err)
	}
}

func TestCreateShareLink_URLFormat(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "http://example.com")

	coupon := mustCoupon(t, store, 3, futureExpiry())

	link, err := svc.CreateShareLink(context.Background(), coupon.ID, nil)
	if err != nil {
		t.Fatalf("CreateShareLink error: %v", err)
	}

	prefix := "http://example.com/redeem/" + coupon.ID + "/"
	if !strings.HasPrefix(link.LinkURL, prefix) {
		t.Fatalf("link url %q must start with %q", link.LinkURL, prefix)
	}
	if len(link.LinkURL) == len(prefix) {
		t.Fatalf("link url %q must carry a token", link.LinkURL)
	}
}
