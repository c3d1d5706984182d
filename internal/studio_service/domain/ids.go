package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// Slug lowercases s and joins alphanumeric runs with '-'.
func Slug(s string) string {
	slug := nonSlug.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		return "x"
	}
	return slug
}

// ShortToken is a 6 character random suffix. Ids built with it are unique with high
// probability only; stores still reject duplicates with ErrDuplicateID.
func ShortToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

// NewStudentID builds "{first}-{last}-{millis}-{token}".
func NewStudentID(firstName, lastName string, now time.Time) string {
	return fmt.Sprintf("%s-%d-%s", Slug(firstName+" "+lastName), now.UnixMilli(), ShortToken())
}

// NewTransactionID builds "{studentId}-{type}-{millis}-{token}" for purchases and gifts.
func NewTransactionID(studentID string, tt TransactionType, now time.Time) string {
	return fmt.Sprintf("%s-%s-%d-%s", studentID, tt, now.UnixMilli(), ShortToken())
}

// RefundTransactionID builds "{studentId}-refund-{millis}". On collision callers retry
// with WithCollisionSuffix.
func RefundTransactionID(studentID string, now time.Time) string {
	return fmt.Sprintf("%s-refund-%d", studentID, now.UnixMilli())
}

// NewBlockID builds "{transactionId}-block".
func NewBlockID(transactionID string) string {
	return transactionID + "-block"
}

func WithCollisionSuffix(id string) string {
	return id + "-" + ShortToken()
}
