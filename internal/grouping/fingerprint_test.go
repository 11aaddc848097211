package grouping

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeStackTrace(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "replaces line numbers",
			input:    "at com.shop.OrderService.place(OrderService.java:42)",
			expected: "at com.shop.OrderService.place(OrderService.java:N)",
		},
		{
			name:     "replaces hex offsets",
			input:    "main.handle(0xc000123400)\n\t/app/main.go:17 +0x1f",
			expected: "main.handle(0xADDR)\n/app/main.go:N +0xADDR",
		},
		{
			name:     "replaces goroutine ids",
			input:    "goroutine 1532 [running]:",
			expected: "goroutine N [running]:",
		},
		{
			name:     "replaces UUIDs",
			input:    "order 550e8400-e29b-41d4-a716-446655440000 not found",
			expected: "order UUID not found",
		},
		{
			name:     "replaces bracketed and parenthesized numbers",
			input:    "worker [7] failed with (500)",
			expected: "worker [N] failed with (N)",
		},
		{
			name:     "drops blank lines and trims",
			input:    "  first  \n\n\t\nsecond\t\tline",
			expected: "first\nsecond line",
		},
		{
			name:     "empty",
			input:    " \n ",
			expected: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, NormalizeStackTrace(tt.input))
		})
	}
}

func TestStackTraceHash_StableAcrossVolatileParts(t *testing.T) {
	a := "goroutine 12 [running]:\nmain.process(0xc0000a2000)\n\t/app/main.go:88 +0x3a"
	b := "goroutine 977 [running]:\nmain.process(0xc0004f1180)\n\t/app/main.go:91 +0x44"
	c := "goroutine 12 [running]:\nmain.other(0xc0000a2000)\n\t/app/main.go:88 +0x3a"

	assert.Equal(t, StackTraceHash(a), StackTraceHash(b))
	assert.NotEqual(t, StackTraceHash(a), StackTraceHash(c))
	assert.Len(t, StackTraceHash(a), 64)
}

func TestStackTraceHash_Empty(t *testing.T) {
	assert.Equal(t, "", StackTraceHash(""))
}

func TestTruncateString_KeepsRunesIntact(t *testing.T) {
	s := strings.Repeat("é", 10)
	out := truncateString(s, 5)
	assert.True(t, utf8.ValidString(out))
	assert.Equal(t, 4, len(out))
}
