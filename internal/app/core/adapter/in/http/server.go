package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/utils"

	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/adapter/in/dto"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-wallet-ledger/internal/app/core/usecase"
)

// OwnerHeader 上游 gateway 驗證後帶入的呼叫者身分
const OwnerHeader = "X-Owner-ID"

const ownerLocal = "owner_id"

// Options HTTP 層設定
type Options struct {
	// RateLimit: 每個 owner 在 RateWindow 內可呼叫修改類 API 的次數，<=0 表示不限制
	RateLimit  int
	RateWindow time.Duration
}

type Server struct {
	core   *usecase.Coordinator
	app    *fiber.App
	logger *slog.Logger
}

// NewServer 建立 fiber app 並註冊路由
func NewServer(core *usecase.Coordinator, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		core:   core,
		logger: logger.With("component", "http"),
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "wallet-ledger",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.routes(opts)
	return s
}

// App 給測試使用 (app.Test)
func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) routes(opts Options) {
	s.app.Use(s.requestLogger)
	s.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	write := rateLimitWrite(opts)

	wallet := s.app.Group("/wallet", requireOwner)
	wallet.Post("/", write, s.openWallet)
	wallet.Get("/", s.getWallet)
	wallet.Post("/top-up", write, s.topUp)
	wallet.Get("/verify", s.verifyWallet)

	txns := s.app.Group("/transactions", requireOwner)
	txns.Post("/", write, s.recordExpense)
	txns.Get("/", s.listExpenses)
	// 固定路徑要在 /:id 之前
	txns.Get("/daily", s.dailySummary)
	txns.Get("/monthly", s.monthlySummary)
	txns.Get("/:id", s.getExpense)
	txns.Patch("/:id", write, s.editExpense)
	txns.Put("/:id", write, s.editExpense)
	txns.Delete("/:id", write, s.removeExpense)
}

// requireOwner c.Get 回傳的字串指向 fasthttp 會重複使用的 buffer，
// owner 會被 store 與 limiter 保存，必須複製一份
func requireOwner(c *fiber.Ctx) error {
	owner := utils.CopyString(strings.TrimSpace(c.Get(OwnerHeader)))
	if owner == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "missing "+OwnerHeader)
	}
	c.Locals(ownerLocal, owner)
	return c.Next()
}

func ownerOf(c *fiber.Ctx) string {
	owner, _ := c.Locals(ownerLocal).(string)
	return owner
}

// rateLimitWrite 修改類 API 以 owner 為 key 限流
func rateLimitWrite(opts Options) fiber.Handler {
	if opts.RateLimit <= 0 {
		return func(c *fiber.Ctx) error { return c.Next() }
	}
	window := opts.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        opts.RateLimit,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if owner := ownerOf(c); owner != "" {
				return owner
			}
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too_many_requests"})
		},
	})
}

func (s *Server) requestLogger(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()
	status := c.Response().StatusCode()
	if err != nil {
		status = statusOf(err)
	}
	level := slog.LevelDebug
	if status >= fiber.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(c.UserContext(), level, "http request",
		"method", c.Method(),
		"path", c.Path(),
		"owner_id", c.Get(OwnerHeader),
		"status", status,
		"duration", time.Since(start))
	return err
}

func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := statusOf(err)
	message := err.Error()
	if code == fiber.StatusInternalServerError {
		message = "internal server error"
	}
	body := fiber.Map{"error": message}
	if kind := domain.Kind(err); kind != "" {
		body["kind"] = kind
	}
	return c.Status(code).JSON(body)
}

// statusOf domain 錯誤分類 -> HTTP status
func statusOf(err error) int {
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		return fiberErr.Code
	case errors.Is(err, domain.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, domain.ErrInsufficientFunds):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStorageUnavailable):
		return fiber.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fiber.StatusGatewayTimeout
	default:
		return fiber.StatusInternalServerError
	}
}

// decodeBody 空 body 視為空物件
func decodeBody(c *fiber.Ctx, v any) error {
	body := c.Body()
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrValidation)
	}
	return nil
}

func (s *Server) openWallet(c *fiber.Ctx) error {
	var req dto.AmountRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	initial, err := req.ToMinor(true)
	if err != nil {
		return err
	}
	w, created, err := s.core.OpenWallet(c.UserContext(), ownerOf(c), initial)
	if err != nil {
		return err
	}
	view := dto.NewWallet(w)
	view.Created = created
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return c.Status(status).JSON(view)
}

func (s *Server) getWallet(c *fiber.Ctx) error {
	w, err := s.core.GetWallet(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(dto.NewWallet(w))
}

func (s *Server) topUp(c *fiber.Ctx) error {
	var req dto.AmountRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	amount, err := req.ToMinor(false)
	if err != nil {
		return err
	}
	w, err := s.core.TopUp(c.UserContext(), ownerOf(c), amount)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewWallet(w))
}

func (s *Server) verifyWallet(c *fiber.Ctx) error {
	audit, err := s.core.VerifyWallet(c.UserContext(), ownerOf(c))
	if err != nil {
		return err
	}
	return c.JSON(dto.NewAudit(audit))
}

func (s *Server) recordExpense(c *fiber.Ctx) error {
	var req dto.ExpenseRequest
	if err := decodeBody(c, &req); err != nil {
		return err
	}
	in, err := req.ToInput(s.core.Location())
	if err != nil {
		return err
	}
	res, err := s.core.RecordExpense(c.UserContext(), ownerOf(c), in)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(dto.NewResult(res))
}

func (s *Server) listExpenses(c *fiber.Ctx) error {
	q := dto.ListQuery{
		Category: c.Query("category"),
		From:     c.Query("from"),
		To:       c.Query("to"),
	}
	var err error
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}
	if q.Offset, err = queryInt(c, "offset"); err != nil {
		return err
	}
	if q.Page, err = queryInt(c, "page"); err != nil {
		return err
	}
	filter, err := q.ToFilter(s.core.Location())
	if err != nil {
		return err
	}
	list, err := s.core.ListExpenses(c.UserContext(), ownerOf(c), filter)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewList(list, filter))
}

func (s *Server) dailySummary(c *fiber.Ctx) error {
	var day time.Time
	if v := c.Query("date"); v != "" {
		d, err := domain.ParseEffectiveDate(v, s.core.Location())
		if err != nil {
			return err
		}
		day = d
	}
	sum, err := s.core.DailySummary(c.UserContext(), ownerOf(c), day)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewSummary(sum))
}

func (s *Server) monthlySummary(c *fiber.Ctx) error {
	year, err := queryInt(c, "year")
	if err != nil {
		return err
	}
	month, err := queryInt(c, "month")
	if err != nil {
		return err
	}
	sum, err := s.core.MonthlySummary(c.UserContext(), ownerOf(c), year, month)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewSummary(sum))
}

func (s *Server) getExpense(c *fiber.Ctx) error {
	id, err := dto.ParseID(c.Params("id"))
	if err != nil {
		return err
	}
	t, err := s.core.GetExpense(c.UserContext(), ownerOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewTransaction(t))
}

func (s *Server) editExpense(c *fiber.Ctx) error {
	id, err := dto.ParseID(c.Params("id"))
	if err != nil {
		return err
	}
	patch, err := dto.DecodePatch(c.Body(), s.core.Location())
	if err != nil {
		return err
	}
	res, err := s.core.EditExpense(c.UserContext(), ownerOf(c), id, patch)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewResult(res))
}

func (s *Server) removeExpense(c *fiber.Ctx) error {
	id, err := dto.ParseID(c.Params("id"))
	if err != nil {
		return err
	}
	res, err := s.core.RemoveExpense(c.UserContext(), ownerOf(c), id)
	if err != nil {
		return err
	}
	return c.JSON(dto.NewResult(res))
}

func queryInt(c *fiber.Ctx, key string) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrValidation, key)
	}
	return n, nil
}
