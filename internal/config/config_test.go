package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidateClampsNonceTTL(t *testing.T) {
	cfg := App{CodeWindow: 30 * time.Second, NonceTTL: 45 * time.Second}
	cfg.Validate()
	// A nonce must never outlive the rotation window it was issued in.
	assert.Equal(t, 30*time.Second, cfg.NonceTTL)

	cfg = App{CodeWindow: 30 * time.Second, NonceTTL: 20 * time.Second}
	cfg.Validate()
	assert.Equal(t, 20*time.Second, cfg.NonceTTL)
}

func TestValidateClampsGraceWindows(t *testing.T) {
	cfg := App{CodeWindow: 30 * time.Second, NonceTTL: 20 * time.Second, CodeGraceWindows: 5}
	cfg.Validate()
	assert.Equal(t, 1, cfg.CodeGraceWindows)

	cfg = App{CodeWindow: 30 * time.Second, NonceTTL: 20 * time.Second, CodeGraceWindows: -2}
	cfg.Validate()
	assert.Equal(t, 0, cfg.CodeGraceWindows)
}
