// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/referral-coupon-system/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrUserExists возвращается при попытке создать пользователя с уже занятым email.
var (
	ErrUserExists = errors.New("user already exists")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrShopExists возвращается, если у владельца уже есть магазин.
	ErrShopExists = errors.New("shop already exists for owner")
	// ErrShopNotFound возвращается, если магазин не найден.
	ErrShopNotFound = errors.New("shop not found")
	// ErrCouponNotFound возвращается, если купон не найден.
	ErrCouponNotFound = errors.New("coupon not found")
	// ErrShareLinkNotFound возвращается, если реферальная ссылка не найдена.
	ErrShareLinkNotFound = errors.New("share link not found")
	// ErrAlreadyRedeemed возвращается при повторной попытке погасить купон.
	ErrAlreadyRedeemed = errors.New("coupon already redeemed")
	// ErrCouponNotActive возвращается, если купон не находится в статусе active.
	ErrCouponNotActive = errors.New("coupon is not active")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		// Если ошибка контекста — выходим сразу
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		// Ретраи полезны для Serialization Failure и Deadlocks.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected {
				if i < len(delays) {
					time.Sleep(delays[i])
					continue
				}
			}
		}

		if isConnectionError(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
		}

		break
	}
	return err
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateUser создаёт нового пользователя.
func (r *PostgresRepository) CreateUser(ctx context.Context, email string, role model.UserRole, passwordHash []byte) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`INSERT INTO users (email, role, password_hash) VALUES ($1, $2, $3)
		 RETURNING id, email, role, password_hash, created_at`,
		email, string(role), passwordHash,
	).Scan(&u.ID, &u.Email, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, email)
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return &u, nil
}

// GetUserByID возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, email, role, password_hash, created_at FROM users WHERE id = $1`,
		id,
	)

	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return &u, nil
}

// ListUsers возвращает всех пользователей.
func (r *PostgresRepository) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, email, role, password_hash, created_at FROM users ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select users: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.Role, &u.PasswordHash, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateShop создаёт магазин. На одного владельца допускается один магазин.
func (r *PostgresRepository) CreateShop(ctx context.Context, name, ownerID string) (*model.Shop, error) {
	var s model.Shop
	err := r.pool.QueryRow(ctx,
		`INSERT INTO shops (name, owner_id) VALUES ($1, $2) RETURNING id, name, owner_id`,
		name, ownerID,
	).Scan(&s.ID, &s.Name, &s.OwnerID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return nil, fmt.Errorf("%w: owner %s", ErrShopExists, ownerID)
		}
		return nil, fmt.Errorf("create shop: %w", err)
	}
	return &s, nil
}

// GetShopByID возвращает магазин по идентификатору.
func (r *PostgresRepository) GetShopByID(ctx context.Context, id string) (*model.Shop, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, name, owner_id FROM shops WHERE id = $1`,
		id,
	)

	var s model.Shop
	err := row.Scan(&s.ID, &s.Name, &s.OwnerID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShopNotFound
		}
		return nil, fmt.Errorf("get shop: %w", err)
	}

	return &s, nil
}

// CreateCoupon создаёт купон в статусе pending.
func (r *PostgresRepository) CreateCoupon(ctx context.Context, userID, shopID string, threshold int, expiresAt time.Time) (*model.Coupon, error) {
	var c model.Coupon
	err := r.pool.QueryRow(ctx,
		`INSERT INTO coupons (user_id, shop_id, status, threshold, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, user_id, shop_id, status, threshold, expires_at, created_at`,
		userID, shopID, string(model.CouponStatusPending), threshold, expiresAt,
	).Scan(&c.ID, &c.UserID, &c.ShopID, &c.Status, &c.Threshold, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create coupon: %w", err)
	}
	return &c, nil
}

// GetCouponByID возвращает купон по идентификатору.
func (r *PostgresRepository) GetCouponByID(ctx context.Context, id string) (*model.Coupon, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, user_id, shop_id, status, threshold, expires_at, created_at
		 FROM coupons WHERE id = $1`,
		id,
	)

	var c model.Coupon
	err := row.Scan(&c.ID, &c.UserID, &c.ShopID, &c.Status, &c.Threshold, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCouponNotFound
		}
		return nil, fmt.Errorf("get coupon: %w", err)
	}

	return &c, nil
}

// ListCoupons возвращает все купоны.
func (r *PostgresRepository) ListCoupons(ctx context.Context) ([]model.Coupon, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, user_id, shop_id, status, threshold, expires_at, created_at
		 FROM coupons ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select coupons: %w", err)
	}
	defer rows.Close()

	var res []model.Coupon
	for rows.Next() {
		var c model.Coupon
		if err := rows.Scan(&c.ID, &c.UserID, &c.ShopID, &c.Status, &c.Threshold, &c.ExpiresAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan coupon: %w", err)
		}
		res = append(res, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateShareLink создаёт реферальную ссылку для купона.
func (r *PostgresRepository) CreateShareLink(ctx context.Context, couponID, linkURL string, userID *string) (*model.ShareLink, error) {
	var l model.ShareLink
	err := r.pool.QueryRow(ctx,
		`INSERT INTO share_links (coupon_id, link_url, user_id) VALUES ($1, $2, $3)
		 RETURNING id, coupon_id, link_url, user_id, created_at`,
		couponID, linkURL, userID,
	).Scan(&l.ID, &l.CouponID, &l.LinkURL, &l.UserID, &l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create share link: %w", err)
	}
	return &l, nil
}

// GetShareLinkByID возвращает реферальную ссылку по идентификатору.
func (r *PostgresRepository) GetShareLinkByID(ctx context.Context, id string) (*model.ShareLink, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT id, coupon_id, link_url, user_id, created_at FROM share_links WHERE id = $1`,
		id,
	)

	var l model.ShareLink
	err := row.Scan(&l.ID, &l.CouponID, &l.LinkURL, &l.UserID, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShareLinkNotFound
		}
		return nil, fmt.Errorf("get share link: %w", err)
	}

	return &l, nil
}

// CreateClick сохраняет факт перехода по ссылке. Переходы не дедуплицируются.
func (r *PostgresRepository) CreateClick(ctx context.Context, shareLinkID string, clickerID, clickerIP *string) (*model.Click, error) {
	var c model.Click
	err := r.pool.QueryRow(ctx,
		`INSERT INTO clicks (share_link_id, clicker_id, clicker_ip) VALUES ($1, $2, $3)
		 RETURNING id, share_link_id, clicker_id, clicker_ip, clicked_at`,
		shareLinkID, clickerID, clickerIP,
	).Scan(&c.ID, &c.ShareLinkID, &c.ClickerID, &c.ClickerIP, &c.ClickedAt)
	if err != nil {
		return nil, fmt.Errorf("create click: %w", err)
	}
	return &c, nil
}

// CountClicksByCoupon возвращает суммарное число переходов по всем ссылкам купона.
func (r *PostgresRepository) CountClicksByCoupon(ctx context.Context, couponID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx,
		`SELECT count(*)
		 FROM clicks c
		 JOIN share_links sl ON sl.id = c.share_link_id
		 WHERE sl.coupon_id = $1`,
		couponID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count clicks: %w", err)
	}
	return count, nil
}

// UpdateCouponStatus выполняет условное обновление статуса купона.
// Возвращает false без ошибки, если текущий статус не совпал с ожидаемым:
// ровно один из конкурирующих вызовов получает true.
func (r *PostgresRepository) UpdateCouponStatus(ctx context.Context, id string, expected, next model.CouponStatus) (bool, error) {
	var updated bool
	err := r.withRetry(ctx, func() error {
		cmdTag, err := r.pool.Exec(ctx,
			`UPDATE coupons SET status = $3 WHERE id = $1 AND status = $2`,
			id, string(expected), string(next),
		)
		if err != nil {
			return fmt.Errorf("update coupon status: %w", err)
		}
		updated = cmdTag.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// RedeemCoupon атомарно переводит купон из active в redeemed и создаёт запись
// о погашении. Перевод статуса и вставка выполняются в одной транзакции:
// зафиксированный redeemed без строки redemptions невозможен. Вторым
// значением возвращается статус купона на момент решения.
func (r *PostgresRepository) RedeemCoupon(ctx context.Context, couponID, redeemerID, shopkeeperID string) (*model.Redemption, model.CouponStatus, error) {
	var red *model.Redemption
	var status model.CouponStatus

	err := r.withRetry(ctx, func() error {
		red = nil
		status = ""

		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		// Блокируем строку купона: конкурирующие погашения сериализуются на ней.
		var current string
		err = tx.QueryRow(ctx,
			`SELECT status FROM coupons WHERE id = $1 FOR UPDATE`,
			couponID,
		).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrCouponNotFound
			}
			return fmt.Errorf("lock coupon: %w", err)
		}

		status = model.CouponStatus(current)
		switch status {
		case model.CouponStatusRedeemed:
			return ErrAlreadyRedeemed
		case model.CouponStatusActive:
		default:
			return ErrCouponNotActive
		}

		cmdTag, err := tx.Exec(ctx,
			`UPDATE coupons SET status = $2 WHERE id = $1 AND status = $3`,
			couponID, string(model.CouponStatusRedeemed), string(model.CouponStatusActive),
		)
		if err != nil {
			return fmt.Errorf("update coupon status: %w", err)
		}
		if cmdTag.RowsAffected() != 1 {
			return ErrCouponNotActive
		}

		var rec model.Redemption
		err = tx.QueryRow(ctx,
			`INSERT INTO redemptions (coupon_id, redeemer_id, shopkeeper_id)
			 VALUES ($1, $2, $3)
			 RETURNING id, coupon_id, redeemer_id, shopkeeper_id, confirmed_at`,
			couponID, redeemerID, shopkeeperID,
		).Scan(&rec.ID, &rec.CouponID, &rec.RedeemerID, &rec.ShopkeeperID, &rec.ConfirmedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return ErrAlreadyRedeemed
			}
			return fmt.Errorf("insert redemption: %w", err)
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}

		red = &rec
		status = model.CouponStatusRedeemed
		return nil
	})
	if err != nil {
		return nil, status, err
	}

	return red, status, nil
}
