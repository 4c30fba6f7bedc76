package gate

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/bus"
)

func TestCheck_AdminGatedWithoutAdmin(t *testing.T) {
	err := Check("task_create", AuthContext{IsAdmin: false})
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "ADMIN_REQUIRED"))
	assert.True(t, errors.Is(err, bus.ErrAdminRequired))
}

func TestCheck_AdminGatedWithAdmin(t *testing.T) {
	require.NoError(t, Check("task_create", AuthContext{IsAdmin: true}))
}

func TestCheck_PublicTool(t *testing.T) {
	require.NoError(t, Check("ata_send_request", AuthContext{IsAdmin: false}))
}

func TestCheck_SystemHook(t *testing.T) {
	require.NoError(t, Check("ata_task_create", AuthContext{IsAdmin: false, IsSystemUser: true}))
}

func TestTierOf_UnknownDefaultsAdmin(t *testing.T) {
	assert.Equal(t, TierAdmin, TierOf("some_new_tool_nobody_registered"))
}
