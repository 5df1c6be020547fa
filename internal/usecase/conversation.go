package usecase

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/totegamma/minisocial"
	"github.com/totegamma/minisocial/internal/domain"
	"github.com/totegamma/minisocial/schemas"
)

type ConversationUsecase struct {
	records *RecordUsecase
}

func NewConversationUsecase(records *RecordUsecase) *ConversationUsecase {
	return &ConversationUsecase{records: records}
}

// GetOrCreate returns the id of the conversation between userA and userB,
// creating it if needed. Concurrent calls for the same pair create it once.
func (uc *ConversationUsecase) GetOrCreate(ctx context.Context, userA, userB string) (string, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Conversation.GetOrCreate")
	defer span.End()

	id, err := minisocial.ConversationID(userA, userB)
	if err != nil {
		err := domain.ValidationError{Field: "participants", Reason: err.Error()}
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.String("conversation", id))

	created, err := uc.records.Create(ctx, schemas.Conversations, id, map[string]any{
		schemas.FieldParticipants: map[string]any{userA: true, userB: true},
		schemas.FieldCreatedAt:    uc.records.Now(),
	})
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	span.SetAttributes(attribute.Bool("created", created))

	return id, nil
}

func (uc *ConversationUsecase) Get(ctx context.Context, id string) (minisocial.Record, error) {
	return uc.records.Get(ctx, schemas.Conversations, id)
}

// IsParticipant reports whether uid belongs to the conversation.
func IsParticipant(conversation minisocial.Record, uid string) bool {
	in, _ := conversation.Map(schemas.FieldParticipants)[uid].(bool)
	return in
}

type MessageUsecase struct {
	records       *RecordUsecase
	subscriptions *SubscriptionManager
	defaultLimit  int
}

func NewMessageUsecase(records *RecordUsecase, subscriptions *SubscriptionManager, config domain.Config) *MessageUsecase {
	limit := config.MessagesLimit
	if limit <= 0 {
		limit = domain.DefaultMessagesLimit
	}
	return &MessageUsecase{
		records:       records,
		subscriptions: subscriptions,
		defaultLimit:  limit,
	}
}

// Send appends a message from senderID to an existing conversation.
func (uc *MessageUsecase) Send(ctx context.Context, conversationID, senderID, text string, extra map[string]any) (string, error) {
	ctx, span := tracer.Start(ctx, "Usecase.Message.Send")
	defer span.End()

	if senderID == "" {
		return "", domain.ValidationError{Field: schemas.FieldSenderID, Reason: "required"}
	}
	if strings.TrimSpace(text) == "" {
		return "", domain.ValidationError{Field: schemas.FieldText, Reason: "must not be empty"}
	}

	conversation, err := uc.records.Get(ctx, schemas.Conversations, conversationID)
	if err != nil {
		span.RecordError(err)
		return "", err
	}
	if !IsParticipant(conversation, senderID) {
		err := domain.PermissionDeniedError{UserID: senderID, Permission: "send_message"}
		span.RecordError(err)
		return "", err
	}

	fields := make(map[string]any, len(extra)+2)
	for k, v := range extra {
		fields[k] = v
	}
	fields[schemas.FieldSenderID] = senderID
	fields[schemas.FieldText] = text

	return uc.records.Append(ctx, schemas.MessagesPath(conversationID), fields)
}

func (uc *MessageUsecase) List(ctx context.Context, conversationID string, limit int) ([]minisocial.Record, error) {
	if limit == 0 {
		limit = uc.defaultLimit
	}
	return uc.records.List(ctx, schemas.MessagesPath(conversationID), limit)
}

// Subscribe opens a live view of the most recent messages. limit 0 uses
// the configured default.
func (uc *MessageUsecase) Subscribe(ctx context.Context, conversationID string, limit int) (*Subscription, error) {
	if limit == 0 {
		limit = uc.defaultLimit
	}
	return uc.subscriptions.Subscribe(ctx, SubscribeInput{
		Path:  schemas.MessagesPath(conversationID),
		Limit: limit,
	})
}
