// Package model содержит доменные сущности сервиса реферальных купонов.
package model

import "time"

// UserRole описывает роль пользователя в системе.
type UserRole string

const (
	RoleCustomer   UserRole = "customer"
	RoleShopkeeper UserRole = "shopkeeper"
	RoleAdmin      UserRole = "admin"
)

// Valid сообщает, является ли значение одной из известных ролей.
func (r UserRole) Valid() bool {
	switch r {
	case RoleCustomer, RoleShopkeeper, RoleAdmin:
		return true
	}
	return false
}

// User представляет зарегистрированного пользователя системы.
type User struct {
	ID           string
	Email        string
	Role         UserRole
	PasswordHash []byte
	CreatedAt    time.Time
}

// Shop представляет магазин, принадлежащий ровно одному владельцу.
type Shop struct {
	ID      string
	Name    string
	OwnerID string
}

// CouponStatus описывает состояние жизненного цикла купона.
type CouponStatus string

const (
	CouponStatusPending  CouponStatus = "pending"
	CouponStatusActive   CouponStatus = "active"
	CouponStatusRedeemed CouponStatus = "redeemed"
)

// Coupon описывает реферальный купон пользователя в магазине.
type Coupon struct {
	ID        string
	UserID    string
	ShopID    string
	Status    CouponStatus
	Threshold int
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Expired сообщает, истёк ли срок действия купона на момент now.
// Истечение не хранится в статусе, а вычисляется в момент решения.
func (c *Coupon) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// ShareLink описывает распространяемую ссылку, привязанную к одному купону.
type ShareLink struct {
	ID        string
	CouponID  string
	LinkURL   string
	UserID    *string
	CreatedAt time.Time
}

// Click описывает один факт перехода по реферальной ссылке.
type Click struct {
	ID          string
	ShareLinkID string
	ClickerID   *string
	ClickerIP   *string
	ClickedAt   time.Time
}

// Redemption описывает факт погашения купона. На купон допускается
// не более одной записи.
type Redemption struct {
	ID           string
	CouponID     string
	RedeemerID   string
	ShopkeeperID string
	ConfirmedAt  time.Time
}
