package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"dmchat/internal/domain"
	"dmchat/internal/realtime"
	"dmchat/internal/security"
)

const defaultMaxMessageLength = 5000

// MessageService is the persistence gateway for direct messages. Writes are
// serialized so timestamps are strictly increasing within the process.
type MessageService struct {
	messages  domain.MessageRepository
	encryptor *security.Encryptor // optional
	log       zerolog.Logger
	now       func() time.Time

	MaxMessageLength int

	mu   sync.Mutex
	last time.Time
}

func NewMessageService(
	messages domain.MessageRepository,
	encryptor *security.Encryptor,
	maxLength int,
	log zerolog.Logger,
) *MessageService {
	if maxLength <= 0 {
		maxLength = defaultMaxMessageLength
	}
	return &MessageService{
		messages:         messages,
		encryptor:        encryptor,
		log:              log,
		now:              time.Now,
		MaxMessageLength: maxLength,
	}
}

// Store validates and durably records a message. Repository failures are
// wrapped in domain.ErrStorage.
func (s *MessageService) Store(ctx context.Context, sender, receiver domain.UserID, text string) (*domain.Message, error) {
	if sender == "" || receiver == "" {
		return nil, fmt.Errorf("%w: sender and receiver are required", domain.ErrValidation)
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: message text cannot be empty", domain.ErrValidation)
	}
	if len([]rune(text)) > s.MaxMessageLength {
		return nil, fmt.Errorf("%w: message exceeds %d characters", domain.ErrValidation, s.MaxMessageLength)
	}

	stored := text
	if s.encryptor != nil {
		enc, err := s.encryptor.Encrypt(text)
		if err != nil {
			return nil, fmt.Errorf("%w: encrypt message: %w", domain.ErrStorage, err)
		}
		stored = enc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg := &domain.Message{
		SenderID:   sender,
		ReceiverID: receiver,
		Text:       stored,
		CreatedAt:  s.nextTimestamp(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		s.log.Error().Err(err).Str("sender", string(sender)).Str("receiver", string(receiver)).Msg("message write failed")
		return nil, fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
	msg.Text = text
	return msg, nil
}

// nextTimestamp returns a time strictly after the previous one. Callers hold s.mu.
func (s *MessageService) nextTimestamp() time.Time {
	now := s.now().UTC()
	if !now.After(s.last) {
		now = s.last.Add(time.Microsecond)
	}
	s.last = now
	return now
}

// History returns every message exchanged between a and b in either
// direction, oldest first.
func (s *MessageService) History(ctx context.Context, a, b domain.UserID) ([]*domain.Message, error) {
	if a == "" || b == "" {
		return nil, fmt.Errorf("%w: both participants are required", domain.ErrValidation)
	}
	msgs, err := s.messages.ListBetween(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", domain.ErrStorage, err)
	}
	for _, m := range msgs {
		m.Text = s.decrypt(m)
	}
	return msgs, nil
}

// Get returns a single decrypted message.
func (s *MessageService) Get(ctx context.Context, id int64) (*domain.Message, error) {
	m, err := s.messages.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	m.Text = s.decrypt(m)
	return m, nil
}

// Delete hard-deletes a message. Only its sender may delete it.
func (s *MessageService) Delete(ctx context.Context, id int64, requester domain.UserID) error {
	m, err := s.messages.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: get message: %w", domain.ErrStorage, err)
	}
	if m.SenderID != requester {
		return fmt.Errorf("delete message %d: %w", id, domain.ErrUnauthorized)
	}
	if err := s.messages.Delete(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: delete message: %w", domain.ErrStorage, err)
	}
	return nil
}

func (s *MessageService) decrypt(m *domain.Message) string {
	if s.encryptor == nil {
		return m.Text
	}
	dec, err := s.encryptor.Decrypt(m.Text)
	if err != nil {
		// Rows written before encryption was enabled are returned as stored.
		s.log.Debug().Int64("message_id", m.ID).Msg("message not decryptable, returning raw text")
		return m.Text
	}
	return dec
}

var _ realtime.MessageStore = (*MessageService)(nil)
