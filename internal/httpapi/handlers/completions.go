package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/growth-lab/internal/ai"
	"github.com/suPer8Hu/growth-lab/internal/chat"
	"github.com/suPer8Hu/growth-lab/internal/httpapi/middleware"
	"github.com/suPer8Hu/growth-lab/internal/stream"
)

type completionReq struct {
	Messages  []stream.ChatMessage `json:"messages" binding:"required"`
	SessionID string               `json:"session_id"`
	Context   map[string]string    `json:"context"`
	Provider  string               `json:"provider"`
	Model     string               `json:"model"`
}

type deltaChunk struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

func newDeltaChunk(content string) deltaChunk {
	ch := deltaChoice{}
	ch.Delta.Content = content
	return deltaChunk{Choices: []deltaChoice{ch}}
}

func completionError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// userFacing is the text shown to end users for a provider error.
func userFacing(err error) string {
	return stream.UserMessage(err)
}

// upstreamStatus maps a provider failure before the first delta onto the
// status this endpoint answers with.
func upstreamStatus(err error) int {
	switch {
	case errors.Is(err, stream.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, stream.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	}
	return http.StatusBadGateway
}

// Completions is an OpenAI-compatible streaming endpoint. The request holds
// the whole transcript. The status is committed only once the first delta
// (or the end of a reply) arrives, so early failures keep their status code.
func (h *Handler) Completions(c *gin.Context) {
	uid, okk := middleware.UserID(c)
	if !okk {
		completionError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req completionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		completionError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if status, msg := h.admit(c, uid); status != 0 {
		completionError(c, status, msg)
		return
	}

	msgs := make([]ai.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, ai.Message{Role: string(m.Role), Content: m.Content})
	}

	ctx := c.Request.Context()
	log := h.Log.With(zap.Uint64("user_id", uid))

	chunks, errs, err := h.ChatSvc.StreamCompletion(ctx, chat.CompletionRequest{
		UserID:    uid,
		Messages:  msgs,
		Context:   req.Context,
		Provider:  req.Provider,
		Model:     req.Model,
		SessionID: req.SessionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrInvalidMessages), errors.Is(err, chat.ErrUnknownProvider):
			completionError(c, http.StatusBadRequest, err.Error())
		case errors.Is(err, gorm.ErrRecordNotFound):
			completionError(c, http.StatusNotFound, "session not found")
		default:
			log.Error("start completion failed", zap.Error(err))
			completionError(c, http.StatusInternalServerError, "internal error")
		}
		return
	}

	first, more := <-chunks
	if !more {
		if err := <-errs; err != nil {
			log.Warn("completion failed before first delta", zap.Error(err))
			completionError(c, upstreamStatus(err), userFacing(err))
			return
		}
	}

	sse, ok := newSSEWriter(c, h.Log)
	if !ok {
		completionError(c, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setupSSEHeaders(c)

	if more {
		sse.Event("", newDeltaChunk(first))
	}

	ticker := time.NewTicker(h.KeepAlive)
	defer ticker.Stop()

	for more {
		select {
		case delta, ok := <-chunks:
			if !ok {
				more = false
				continue
			}
			sse.Event("", newDeltaChunk(delta))
		case <-ticker.C:
			sse.Comment("keep-alive")
		case <-ctx.Done():
			return
		}
	}

	if err := <-errs; err != nil {
		log.Warn("completion failed mid-stream", zap.Error(err))
		sse.Event("", gin.H{"error": gin.H{"message": userFacing(err)}})
		return
	}
	sse.Data("[DONE]")
}
