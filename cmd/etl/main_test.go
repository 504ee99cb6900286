package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mboyajeffers/etl-framework/internal/cli"
)

func TestExitCode(t *testing.T) {
	live := context.Background()
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	failed := fmt.Errorf("1 pipeline failed: %w", cli.ErrRunFailed)
	assert.Equal(t, 0, exitCode(live, nil))
	assert.Equal(t, 1, exitCode(live, failed))
	assert.Equal(t, 2, exitCode(live, errors.New("bad config")))
	assert.Equal(t, 130, exitCode(cancelled, failed), "interrupted runs report FAILED too")
	assert.Equal(t, 130, exitCode(cancelled, context.Canceled))
}
