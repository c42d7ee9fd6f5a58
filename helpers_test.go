package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOr(t *testing.T) {
	t.Setenv("TFORUM_TEST_KEY", "set")

	assert.Equal(t, "set", envOr("TFORUM_TEST_KEY", "fallback"))
	assert.Equal(t, "fallback", envOr("TFORUM_TEST_KEY_MISSING", "fallback"))
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
	assert.Equal(t, "2025-03-14 09:26:53", formatTimestamp(ts))
}

func TestCreateConfigDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tforum")

	require.NoError(t, createConfigDir(dir))

	info, err := os.Stat(filepath.Join(dir, "tsnet"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSetupTemplates(t *testing.T) {
	tmpls := setupTemplates()

	for _, name := range []string{"index.html", "forum.html", "topic.html", "forumlist", "topiclist", "topicbody"} {
		assert.NotNil(t, tmpls.Lookup(name), name)
	}
}
