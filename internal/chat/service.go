package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/suPer8Hu/growth-lab/internal/ai"
	"github.com/suPer8Hu/growth-lab/internal/common"
)

var (
	ErrUnknownProvider = errors.New("unknown ai provider")
	ErrInvalidMessages = errors.New("messages must alternate user/assistant turns and end with a user message")
)

const titleMaxRunes = 60

type Service struct {
	repo              *Repo
	registry          *ai.Registry
	contextWindowSize int
	log               *zap.Logger
}

func NewService(repo *Repo, registry *ai.Registry, contextWindowSize int, log *zap.Logger) *Service {
	if contextWindowSize <= 0 || contextWindowSize > 100 {
		contextWindowSize = 20
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{repo: repo, registry: registry, contextWindowSize: contextWindowSize, log: log}
}

func (s *Service) CreateSession(ctx context.Context, userID uint64, provider, model string) (*Session, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.registry.Default()
	}
	if !s.registry.Has(provider) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Provider:  provider,
		Model:     strings.TrimSpace(model),
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, limit int) ([]Session, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListSessions(ctx, userID, limit)
}

// ownedSession hides sessions of other users behind gorm.ErrRecordNotFound.
func (s *Service) ownedSession(ctx context.Context, userID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, gorm.ErrRecordNotFound
	}
	return sess, nil
}

func (s *Service) ValidateSessionOwner(ctx context.Context, userID uint64, sessionID string) error {
	_, err := s.ownedSession(ctx, userID, sessionID)
	return err
}

func (s *Service) providerForSession(ctx context.Context, sess *Session) (ai.Provider, error) {
	return s.registry.Get(ctx, sess.Provider, sess.Model)
}

// history loads the context window in ASC order (oldest -> newest).
func (s *Service) history(ctx context.Context, userID uint64, sessionID string) ([]ai.Message, error) {
	recentDesc, err := s.repo.ListRecentMessagesDesc(ctx, userID, sessionID, s.contextWindowSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]ai.Message, 0, len(recentDesc)+1)
	msgs = append(msgs, ai.Message{Role: "system", Content: SystemPrompt(nil)})
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		msgs = append(msgs, ai.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

func (s *Service) insertUser(ctx context.Context, userID uint64, sessionID, content string) error {
	if err := s.repo.InsertMessage(ctx, &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleUser,
		Content:   content,
	}); err != nil {
		return err
	}
	if err := s.repo.TouchSession(ctx, sessionID, title(content)); err != nil {
		s.log.Warn("touch session failed", zap.String("session_id", sessionID), zap.Error(err))
	}
	return nil
}

func (s *Service) insertAssistant(ctx context.Context, userID uint64, sessionID, reply string) (uint64, error) {
	msg := &Message{
		SessionID: sessionID,
		UserID:    userID,
		Role:      RoleAssistant,
		Content:   reply,
	}
	if err := s.repo.InsertMessage(ctx, msg); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

func title(content string) string {
	t := strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(t) <= titleMaxRunes {
		return t
	}
	r := []rune(t)
	return string(r[:titleMaxRunes-1]) + "…"
}

func (s *Service) SendMessage(ctx context.Context, userID uint64, sessionID string, content string) (reply string, assistantMsgID uint64, err error) {
	session, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}
	provider, err := s.providerForSession(ctx, session)
	if err != nil {
		return "", 0, err
	}

	// store user message before calling the provider
	if err := s.insertUser(ctx, userID, sessionID, content); err != nil {
		return "", 0, err
	}
	msgs, err := s.history(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	reply, err = provider.Chat(ctx, msgs)
	if err != nil {
		return "", 0, err
	}

	assistantMsgID, err = s.insertAssistant(ctx, userID, sessionID, reply)
	if err != nil {
		return "", 0, err
	}
	return reply, assistantMsgID, nil
}

func (s *Service) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListMessages(ctx, userID, sessionID, limit, beforeID)
}

// streamFrom streams from the provider, falling back to a single chunk for
// providers that cannot stream.
func streamFrom(ctx context.Context, provider ai.Provider, msgs []ai.Message) (<-chan string, <-chan error) {
	if sp, ok := provider.(ai.StreamProvider); ok {
		return sp.StreamChat(ctx, msgs)
	}
	chunks := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		reply, err := provider.Chat(ctx, msgs)
		if err != nil {
			errs <- err
			return
		}
		if reply != "" {
			chunks <- reply
		}
	}()
	return chunks, errs
}

// SendMessageStream stores the user message immediately, streams assistant chunks,
// and finally stores the assistant message after streaming completes.
func (s *Service) SendMessageStream(ctx context.Context, userID uint64, sessionID string, content string) (chunks <-chan string, done <-chan struct{}, assistantMsgID <-chan uint64, errs <-chan error) {
	outChunks := make(chan string, 16)
	outDone := make(chan struct{})
	outMsgID := make(chan uint64, 1)
	outErrs := make(chan error, 1)

	go func() {
		defer close(outChunks)
		defer close(outDone)
		defer close(outMsgID)
		defer close(outErrs)

		sess, err := s.ownedSession(ctx, userID, sessionID)
		if err != nil {
			outErrs <- err
			return
		}
		provider, err := s.providerForSession(ctx, sess)
		if err != nil {
			outErrs <- err
			return
		}
		if err := s.insertUser(ctx, userID, sessionID, content); err != nil {
			outErrs <- err
			return
		}
		msgs, err := s.history(ctx, userID, sessionID)
		if err != nil {
			outErrs <- err
			return
		}

		pChunks, pErrs := streamFrom(ctx, provider, msgs)

		var b strings.Builder
		for c := range pChunks {
			b.WriteString(c)
			select {
			case outChunks <- c:
			case <-ctx.Done():
			}
		}
		if err := <-pErrs; err != nil {
			s.log.Warn("provider stream failed",
				zap.String("session_id", sessionID),
				zap.Int("received", b.Len()),
				zap.Error(err))
			outErrs <- err
			return
		}

		// insert assistant message at the end
		id, err := s.insertAssistant(ctx, userID, sessionID, b.String())
		if err != nil {
			outErrs <- err
			return
		}
		outMsgID <- id
	}()

	return outChunks, outDone, outMsgID, outErrs
}

// CompletionRequest is a stateless coaching turn: the caller owns the
// transcript and sends it whole.
type CompletionRequest struct {
	UserID   uint64
	Messages []ai.Message
	Context  map[string]string
	Provider string
	Model    string
	// SessionID, when set, selects the provider and model of that session.
	SessionID string
}

// StreamCompletion validates the transcript, prepends the coaching prompt and
// streams the provider's reply.
func (s *Service) StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan string, <-chan error, error) {
	if err := validateTranscript(req.Messages); err != nil {
		return nil, nil, err
	}
	if req.SessionID != "" {
		sess, err := s.ownedSession(ctx, req.UserID, req.SessionID)
		if err != nil {
			return nil, nil, err
		}
		req.Provider, req.Model = sess.Provider, sess.Model
	}
	provider, err := s.registry.Get(ctx, req.Provider, req.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnknownProvider, err)
	}

	msgs := req.Messages
	if len(msgs) > s.contextWindowSize {
		msgs = msgs[len(msgs)-s.contextWindowSize:]
	}
	withPrompt := make([]ai.Message, 0, len(msgs)+1)
	withPrompt = append(withPrompt, ai.Message{Role: "system", Content: SystemPrompt(req.Context)})
	withPrompt = append(withPrompt, msgs...)

	chunks, errs := streamFrom(ctx, provider, withPrompt)
	return chunks, errs, nil
}

func validateTranscript(msgs []ai.Message) error {
	if len(msgs) == 0 {
		return ErrInvalidMessages
	}
	for _, m := range msgs {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return ErrInvalidMessages
		}
	}
	last := msgs[len(msgs)-1]
	if last.Role != RoleUser || strings.TrimSpace(last.Content) == "" {
		return ErrInvalidMessages
	}
	return nil
}

func (s *Service) InsertUserMessage(ctx context.Context, userID uint64, sessionID string, content string) error {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return err
	}
	return s.insertUser(ctx, userID, sessionID, content)
}

// InsertUserMessageOrGetExisting makes retried async submissions idempotent.
func (s *Service) InsertUserMessageOrGetExisting(ctx context.Context, userID uint64, sessionID string, content string, key *string) (*Message, bool, error) {
	if err := s.ValidateSessionOwner(ctx, userID, sessionID); err != nil {
		return nil, false, err
	}
	msg, created, err := s.repo.InsertUserMessageOrGetExisting(ctx, &Message{
		SessionID:      sessionID,
		UserID:         userID,
		Role:           RoleUser,
		Content:        content,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		if err := s.repo.TouchSession(ctx, sessionID, title(content)); err != nil {
			s.log.Warn("touch session failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return msg, created, nil
}

func (s *Service) CreateJob(ctx context.Context, job *Job) error {
	return s.repo.CreateJob(ctx, job)
}

func (s *Service) GetJob(ctx context.Context, jobID string) (*Job, error) {
	return s.repo.GetJobByID(ctx, jobID)
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}

// GenerateAssistantReplyAndInsert answers the latest user message of the
// session with a non-streamed reply.
func (s *Service) GenerateAssistantReplyAndInsert(ctx context.Context, userID uint64, sessionID string) (string, uint64, error) {
	sess, err := s.ownedSession(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}
	provider, err := s.providerForSession(ctx, sess)
	if err != nil {
		return "", 0, err
	}
	msgs, err := s.history(ctx, userID, sessionID)
	if err != nil {
		return "", 0, err
	}

	reply, err := provider.Chat(ctx, msgs)
	if err != nil {
		return "", 0, err
	}
	id, err := s.insertAssistant(ctx, userID, sessionID, reply)
	if err != nil {
		return "", 0, err
	}
	return reply, id, nil
}
