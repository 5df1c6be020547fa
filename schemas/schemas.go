package schemas

import "github.com/totegamma/minisocial"

// Collection roots.
const (
	Posts         = "posts"
	Comments      = "comments"
	Messages      = "messages"
	Conversations = "conversations"
	Users         = "users"
)

// Field names shared by the use cases and the backends.
const (
	FieldUserID          = "userId"
	FieldSenderID        = "senderId"
	FieldText            = "text"
	FieldStatus          = "status"
	FieldApprovedBy      = "approvedBy"
	FieldApprovedAt      = "approvedAt"
	FieldRejectedBy      = "rejectedBy"
	FieldRejectedAt      = "rejectedAt"
	FieldRejectionReason = "rejectionReason"
	FieldIsFeatured      = "isFeatured"
	FieldFeaturedAt      = "featuredAt"
	FieldFeaturedBy      = "featuredBy"
	FieldParticipants    = "participants"
	FieldCreatedAt       = "createdAt"
	FieldRole            = "role"
	FieldPermissions     = "permissions"
	FieldEmail           = "email"
)

// Moderation states.
const (
	StatusPending  = "pending"
	StatusApproved = "approved"
	StatusRejected = "rejected"
)

func CommentsPath(postID string) string {
	return minisocial.ComposePath(Comments, postID)
}

func MessagesPath(conversationID string) string {
	return minisocial.ComposePath(Messages, conversationID)
}
