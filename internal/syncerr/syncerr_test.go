package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"validation", Validation("at most %d items", 3), KindValidation},
		{"wrapped validation", fmt.Errorf("select: %w", Validation("nope")), KindValidation},
		{"timeout", Timeout("fetch matches", context.DeadlineExceeded), KindTimeout},
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"status", &StatusError{Code: 502}, KindNetwork},
		{"corrupt", fmt.Errorf("entry x: %w", ErrCorrupt), KindCorrupt},
		{"unclassified loader error", errors.New("connection refused"), KindNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestUserMessage(t *testing.T) {
	assert.Equal(t, "at most 3 items can be selected", UserMessage(Validation("at most %d items can be selected", 3)))
	assert.Contains(t, UserMessage(Timeout("send", context.DeadlineExceeded)), "too long")
	assert.Contains(t, UserMessage(&StatusError{Code: 503}), "server")
	assert.Contains(t, UserMessage(errors.New("dial tcp: refused")), "connection")
	assert.Empty(t, UserMessage(ErrCorrupt))
	assert.Empty(t, UserMessage(nil))
}

func TestNetworkWrapsOnce(t *testing.T) {
	base := errors.New("refused")
	err := Network("fetch", base)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.ErrorIs(t, err, base)
	assert.Same(t, err, Network("again", err))

	timeout := Timeout("fetch", context.DeadlineExceeded)
	assert.Same(t, timeout, Network("fetch", timeout))
}
