package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
	"github.com/mmeshcher/referral-coupon-system/internal/validation"
)

// RecordClick сохраняет переход по реферальной ссылке и проверяет порог
// активации купона. Переходы намеренно не дедуплицируются: каждый вызов
// создаёт новую запись. Второе возвращаемое значение сообщает, активировал
// ли купон именно этот вызов.
func (s *Service) RecordClick(ctx context.Context, shareLinkID, clickerID, clickerIP string) (*model.Click, bool, error) {
	if !validation.IsValidID(shareLinkID) {
		return nil, false, fmt.Errorf("%w: share link id", ErrMalformedID)
	}

	var clickerPtr *string
	if clickerID != "" {
		if !validation.IsValidID(clickerID) {
			return nil, false, fmt.Errorf("%w: clicker id", ErrMalformedID)
		}
		if _, err := s.repo.GetUserByID(ctx, clickerID); err != nil {
			return nil, false, err
		}
		clickerPtr = &clickerID
	}

	var ipPtr *string
	if clickerIP != "" {
		ipPtr = &clickerIP
	}

	link, err := s.repo.GetShareLinkByID(ctx, shareLinkID)
	if err != nil {
		return nil, false, err
	}

	coupon, err := s.repo.GetCouponByID(ctx, link.CouponID)
	if err != nil {
		return nil, false, err
	}

	click, err := s.repo.CreateClick(ctx, link.ID, clickerPtr, ipPtr)
	if err != nil {
		return nil, false, err
	}

	// Считаем переходы по всем ссылкам купона, не только по текущей.
	// Каждый вызов считает после собственной вставки, поэтому порог не
	// может быть пропущен из-за гонки параллельных переходов.
	count, err := s.repo.CountClicksByCoupon(ctx, coupon.ID)
	if err != nil {
		return nil, false, err
	}

	if count < coupon.Threshold {
		return click, false, nil
	}

	err = s.activate(ctx, coupon)
	switch {
	case err == nil:
		return click, true, nil
	case errors.Is(err, ErrCouponExpired), isInvalidTransition(err):
		// Купон просрочен либо уже активирован/погашен другим вызовом:
		// переход записан, активации этим вызовом не было.
		return click, false, nil
	default:
		return nil, false, err
	}
}

func isInvalidTransition(err error) bool {
	var ite *InvalidTransitionError
	return errors.As(err, &ite)
}
