package handlers

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/growth-lab/internal/chat"
	"github.com/suPer8Hu/growth-lab/internal/config"
)

// Limiter is implemented by redisstore.Store.
type Limiter interface {
	Allow(ctx context.Context, userID uint64, limit int, window time.Duration) (bool, error)
	ConsumeQuota(ctx context.Context, userID uint64, limit int) (bool, error)
}

// JobPublisher is implemented by rabbitmq.Publisher.
type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	ChatSvc *chat.Service
	Limiter Limiter
	Rabbit  JobPublisher
	Log     *zap.Logger

	// KeepAlive is the interval of SSE heartbeats.
	KeepAlive time.Duration
}

// NewHandler wires the handlers. limiter and rabbit may be nil, which
// disables rate limiting and the async queue respectively.
func NewHandler(db *gorm.DB, cfg config.Config, svc *chat.Service, limiter Limiter, rabbit JobPublisher, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		DB:        db,
		Cfg:       cfg,
		ChatSvc:   svc,
		Limiter:   limiter,
		Rabbit:    rabbit,
		Log:       log,
		KeepAlive: 15 * time.Second,
	}
}
