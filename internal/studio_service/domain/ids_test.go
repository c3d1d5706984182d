package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlug(t *testing.T) {
	assert.Equal(t, "mary-jane-o-neil", Slug("  Mary Jane O'Neil "))
	assert.Equal(t, "x", Slug("!!!"))
}

func TestIDs(t *testing.T) {
	now := time.UnixMilli(1700000000123)

	assert.Equal(t, "ana-lee-refund-1700000000123", RefundTransactionID("ana-lee", now))
	assert.Regexp(t, `^ana-lee-1700000000123-[0-9a-f]{6}$`, NewStudentID("Ana", "Lee", now))
	assert.Regexp(t, `^s1-concession-purchase-1700000000123-[0-9a-f]{6}$`, NewTransactionID("s1", TransactionTypeConcessionPurchase, now))
	assert.Equal(t, "t1-block", NewBlockID("t1"))
	assert.Regexp(t, `^abc-[0-9a-f]{6}$`, WithCollisionSuffix("abc"))
}
