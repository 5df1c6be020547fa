package minisocial

import (
	"fmt"
	"sort"
	"strings"
)

const (
	conversationSeparator = "_"
	forbiddenKeyChars     = ".#$[]"
)

// ComposePath joins path segments with '/'.
func ComposePath(segments ...string) string {
	return strings.Join(segments, "/")
}

// SplitPath returns the segments of a collection path.
func SplitPath(path string) []string {
	return strings.Split(strings.Trim(path, "/"), "/")
}

// ValidatePath checks that every segment is a usable key on all backends.
func ValidatePath(path string) error {
	if strings.Trim(path, "/") == "" {
		return fmt.Errorf("empty path")
	}
	for _, seg := range SplitPath(path) {
		if err := ValidateKey(seg); err != nil {
			return fmt.Errorf("invalid path %q: %v", path, err)
		}
	}
	return nil
}

// ValidateKey checks a single path segment or record id.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.ContainsAny(key, forbiddenKeyChars+"/") {
		return fmt.Errorf("key %q contains a forbidden character", key)
	}
	return nil
}

// ConversationID derives the id of the conversation between two users.
// The result does not depend on argument order.
func ConversationID(userA, userB string) (string, error) {
	for _, uid := range []string{userA, userB} {
		if err := ValidateKey(uid); err != nil {
			return "", err
		}
		if strings.Contains(uid, conversationSeparator) {
			return "", fmt.Errorf("user id %q contains %q", uid, conversationSeparator)
		}
	}
	if userA == userB {
		return "", fmt.Errorf("a conversation needs two distinct users")
	}
	users := []string{userA, userB}
	sort.Strings(users)
	return users[0] + conversationSeparator + users[1], nil
}

// ConversationParticipants is the inverse of ConversationID.
func ConversationParticipants(conversationID string) (string, string, error) {
	parts := strings.Split(conversationID, conversationSeparator)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid conversation id %q", conversationID)
	}
	return parts[0], parts[1], nil
}
