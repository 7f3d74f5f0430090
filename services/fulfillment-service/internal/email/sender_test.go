package email

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildMessageHeaders(t *testing.T) {
	msg := buildMessage("shop@example.com", "c1@example.com", "Order received", "Thanks")
	assert.True(t, strings.HasPrefix(msg, "From: shop@example.com\r\nTo: c1@example.com\r\nSubject: Order received\r\n"))
	assert.True(t, strings.HasSuffix(msg, "\r\n\r\nThanks\r\n"))
}

func TestSMTPSenderDefaultsFrom(t *testing.T) {
	s := NewSMTPSender(" mailpit ", "1025", "")
	assert.Equal(t, "mailpit:1025", s.addr)
	assert.Equal(t, "no-reply@orderpipe.local", s.from)
}

func TestSMTPSenderHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, NewSMTPSender("localhost", "1", "").Send(ctx, "a@b", "s", "b"), context.Canceled)
}

func TestBuildMessageKeepsHeadersOnOneLine(t *testing.T) {
	msg := buildMessage("shop@example.com", "c1@example.com\r\nCc: x@example.test", "Order o-1\r\nBcc: x@example.test received", "Thanks")

	head, _, found := strings.Cut(msg, "\r\n\r\n")
	assert.True(t, found)
	lines := strings.Split(head, "\r\n")
	assert.Len(t, lines, 5)
	for _, l := range lines {
		assert.False(t, strings.HasPrefix(l, "Bcc:"), l)
		assert.False(t, strings.HasPrefix(l, "Cc:"), l)
	}
	assert.Contains(t, head, "Subject: Order o-1  Bcc: x@example.test received")
}

func TestBuildMessageEncodesNonASCIISubject(t *testing.T) {
	msg := buildMessage("shop@example.com", "c1@example.com", "Commande reçue", "Merci")
	assert.Contains(t, msg, "Subject: =?utf-8?q?Commande_re=C3=A7ue?=\r\n")
}
