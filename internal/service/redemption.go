package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
	"github.com/mmeshcher/referral-coupon-system/internal/repository"
	"github.com/mmeshcher/referral-coupon-system/internal/validation"
)

// Redeem выполняет одноразовое погашение активного купона. Перевод статуса
// и создание записи о погашении выполняются в хранилище одной транзакцией;
// на купон возможна ровно одна запись. Операция необратима.
func (s *Service) Redeem(ctx context.Context, couponID, redeemerID, shopkeeperID string) (*model.Redemption, error) {
	if !validation.IsValidID(couponID) {
		return nil, fmt.Errorf("%w: coupon id", ErrMalformedID)
	}
	if !validation.IsValidID(redeemerID) {
		return nil, fmt.Errorf("%w: redeemer id", ErrMalformedID)
	}
	if !validation.IsValidID(shopkeeperID) {
		return nil, fmt.Errorf("%w: shopkeeper id", ErrMalformedID)
	}

	if _, err := s.repo.GetUserByID(ctx, redeemerID); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetUserByID(ctx, shopkeeperID); err != nil {
		return nil, err
	}

	coupon, err := s.repo.GetCouponByID(ctx, couponID)
	if err != nil {
		return nil, err
	}

	// Срок действия проверяется в момент решения и перекрывает статус.
	if coupon.Expired(time.Now().UTC()) {
		return nil, ErrCouponExpired
	}

	red, current, err := s.repo.RedeemCoupon(ctx, couponID, redeemerID, shopkeeperID)
	if err != nil {
		if errors.Is(err, repository.ErrCouponNotActive) {
			return nil, &InvalidTransitionError{
				Current:   current,
				Requested: model.CouponStatusRedeemed,
			}
		}
		return nil, err
	}

	return red, nil
}
