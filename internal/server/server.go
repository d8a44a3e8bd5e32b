package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/serenitylabs/serenity/internal/config"
	deadletterdomain "github.com/serenitylabs/serenity/internal/deadletter/domain"
	invoiceservice "github.com/serenitylabs/serenity/internal/invoice/service"
	"github.com/serenitylabs/serenity/internal/providers/apple"
	refundservice "github.com/serenitylabs/serenity/internal/refund/service"
	subscriptionservice "github.com/serenitylabs/serenity/internal/subscription/service"
	"github.com/serenitylabs/serenity/internal/tier"
	"github.com/serenitylabs/serenity/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Server struct {
	engine         *gin.Engine
	log            *zap.Logger
	cfg            config.Config
	db             *gorm.DB
	gate           *webhook.Gate
	receiptClient  *apple.ReceiptClient
	adminSvc       *subscriptionservice.AdminService
	ledger         *refundservice.Ledger
	invoiceSvc     *invoiceservice.Service
	resolver       *tier.Resolver
	deadLetterRepo deadletterdomain.Repository
	registry       *prometheus.Registry
}

type Params struct {
	fx.In

	Engine         *gin.Engine
	Log            *zap.Logger
	Config         config.Config
	DB             *gorm.DB
	Gate           *webhook.Gate
	ReceiptClient  *apple.ReceiptClient
	AdminSvc       *subscriptionservice.AdminService
	Ledger         *refundservice.Ledger
	InvoiceSvc     *invoiceservice.Service
	Resolver       *tier.Resolver
	DeadLetterRepo deadletterdomain.Repository
	Registry       *prometheus.Registry
}

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	return engine
}

func NewServer(p Params) *Server {
	return &Server{
		engine:         p.Engine,
		log:            p.Log.Named("server"),
		cfg:            p.Config,
		db:             p.DB,
		gate:           p.Gate,
		receiptClient:  p.ReceiptClient,
		adminSvc:       p.AdminSvc,
		ledger:         p.Ledger,
		invoiceSvc:     p.InvoiceSvc,
		resolver:       p.Resolver,
		deadLetterRepo: p.DeadLetterRepo,
		registry:       p.Registry,
	}
}

func (s *Server) RegisterRoutes() {
	s.engine.GET("/healthz", s.GetHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	hooks := s.engine.Group("/webhooks")
	hooks.POST("/stripe", s.handleWebhook("stripe"))
	hooks.POST("/apple", s.handleWebhook("apple"))
	hooks.POST("/google", s.handleWebhook("google"))

	v1 := s.engine.Group("/v1")
	v1.POST("/purchases/apple/verify", s.VerifyApplePurchase)
	v1.GET("/users/:id/entitlement", s.GetEntitlement)
	v1.GET("/invoices/:id", s.GetInvoice)

	admin := v1.Group("/admin", s.requireAdmin())
	admin.POST("/subscriptions/grant", s.GrantSubscription)
	admin.POST("/subscriptions/extend", s.ExtendSubscription)
	admin.POST("/subscriptions/revoke", s.RevokeSubscription)
	admin.GET("/deadletters", s.ListDeadLetters)

	v1.POST("/payments/:id/refunds", s.requireAdmin(), s.CreateRefund)
	v1.GET("/payments/:id/refunds", s.requireAdmin(), s.ListRefunds)
	v1.POST("/payments/:id/invoice", s.requireAdmin(), s.DeriveInvoice)
	v1.POST("/invoices/:id/void", s.requireAdmin(), s.VoidInvoice)
}

func (s *Server) GetHealth(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requireAdmin validates a bearer JWT signed with the admin secret and
// carrying role=admin.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminJWTSecret == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(s.cfg.AdminJWTSecret), nil
		})
		if err != nil || !token.Valid {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		if role, _ := claims["role"].(string); role != "admin" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	accessLog := log.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		accessLog.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// RunHTTP binds the engine to the configured address under the fx
// lifecycle, shutting down gracefully on stop.
func RunHTTP(lc fx.Lifecycle, engine *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

var Module = fx.Module("server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
)
