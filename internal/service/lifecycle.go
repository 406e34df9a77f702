package service

import (
	"context"
	"fmt"
	"time"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
	"github.com/mmeshcher/referral-coupon-system/internal/validation"
)

// activate выполняет переход pending -> active для загруженного купона.
// Просроченный купон не активируется независимо от числа переходов.
// Сравнение статуса и запись выполняются одним условным обновлением:
// при конкурирующих вызовах переход применяется ровно один раз, а
// проигравшая сторона получает InvalidTransitionError с фактическим
// статусом, не молчаливый успех.
func (s *Service) activate(ctx context.Context, coupon *model.Coupon) error {
	if coupon.Expired(time.Now().UTC()) {
		return ErrCouponExpired
	}
	if coupon.Status != model.CouponStatusPending {
		return &InvalidTransitionError{
			Current:   coupon.Status,
			Requested: model.CouponStatusActive,
		}
	}

	updated, err := s.repo.UpdateCouponStatus(ctx, coupon.ID,
		model.CouponStatusPending, model.CouponStatusActive)
	if err != nil {
		return fmt.Errorf("activate coupon: %w", err)
	}
	if !updated {
		// Проигранная гонка: перечитываем фактический статус для диагностики.
		current, err := s.repo.GetCouponByID(ctx, coupon.ID)
		if err != nil {
			return err
		}
		return &InvalidTransitionError{
			Current:   current.Status,
			Requested: model.CouponStatusActive,
		}
	}

	return nil
}

// ForceActivate активирует купон вручную, минуя проверку порога переходов.
// Предусловия статуса pending и срока действия сохраняются.
func (s *Service) ForceActivate(ctx context.Context, couponID string) (*model.Coupon, error) {
	if !validation.IsValidID(couponID) {
		return nil, fmt.Errorf("%w: coupon id", ErrMalformedID)
	}

	coupon, err := s.repo.GetCouponByID(ctx, couponID)
	if err != nil {
		return nil, err
	}

	if err := s.activate(ctx, coupon); err != nil {
		return nil, err
	}

	coupon.Status = model.CouponStatusActive
	return coupon, nil
}
