package core

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateField(t *testing.T) {
	assert.Equal(t, "short", truncateField("short", 10))
	assert.Equal(t, "abc", truncateField("abcdef", 3))

	// A multi-byte rune straddling the cut is dropped whole.
	s := strings.Repeat("a", 3) + "é" // é is 2 bytes, at offsets 3-4
	got := truncateField(s, 4)
	assert.Equal(t, "aaa", got)
	assert.True(t, utf8.ValidString(got))

	long := strings.Repeat("日", accessSoftCap) // 3 bytes each
	got = truncateField(long, accessSoftCap)
	assert.LessOrEqual(t, len(got), accessSoftCap)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, 0, len(got)%3)
}

func TestRebindForPostgres(t *testing.T) {
	q := "INSERT INTO t VALUES (?, ?)"
	assert.Equal(t, "INSERT INTO t VALUES ($1, $2)", rebindFor("postgres", q))
	assert.Equal(t, q, rebindFor("mysql", q))
	assert.Equal(t, q, rebindFor("trino", q))
}
