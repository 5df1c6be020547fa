package domain

type ctxKey string

const (
	RequesterIdCtxKey ctxKey = "ms-requesterId"
)

const (
	OrderByTimestamp = "timestamp"

	DefaultPostsLimit    = 20
	DefaultMessagesLimit = 50
)

type ChangeOp string

const (
	ChangeOpPut    ChangeOp = "put"
	ChangeOpPatch  ChangeOp = "patch"
	ChangeOpRemove ChangeOp = "remove"
)
