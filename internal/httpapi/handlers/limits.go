package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/growth-lab/internal/common"
)

const (
	msgRateLimited = "Rate limit exceeded"
	msgNoCredits   = "AI credits exhausted"
)

// admit applies the per-minute rate limit and the daily quota. It returns 0
// when the request may proceed, otherwise the status and message to answer.
// Limiter outages let requests through.
func (h *Handler) admit(c *gin.Context, uid uint64) (int, string) {
	if h.Limiter == nil {
		return 0, ""
	}
	ctx := c.Request.Context()

	allowed, err := h.Limiter.Allow(ctx, uid, h.Cfg.RateLimitPerMinute, time.Minute)
	if err != nil {
		h.Log.Warn("rate limiter unavailable", zap.Uint64("user_id", uid), zap.Error(err))
		return 0, ""
	}
	if !allowed {
		return http.StatusTooManyRequests, msgRateLimited
	}

	allowed, err = h.Limiter.ConsumeQuota(ctx, uid, h.Cfg.DailyMessageQuota)
	if err != nil {
		h.Log.Warn("quota store unavailable", zap.Uint64("user_id", uid), zap.Error(err))
		return 0, ""
	}
	if !allowed {
		return http.StatusPaymentRequired, msgNoCredits
	}
	return 0, ""
}

// admitEnvelope is admit for the endpoints answering with the
// {code, message, data} envelope.
func (h *Handler) admitEnvelope(c *gin.Context, uid uint64) bool {
	status, msg := h.admit(c, uid)
	switch status {
	case 0:
		return true
	case http.StatusTooManyRequests:
		common.Fail(c, status, 42901, msg)
	default:
		common.Fail(c, status, 40201, msg)
	}
	return false
}
