package taskid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/c360studio/busd/internal/sqlstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := sqlstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewManager(db.DB)
}

func TestGenerateIncrementsPerAreaAndDate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.Generate(ctx, "QSYS", "20260101", 0)
	require.NoError(t, err)
	require.Equal(t, "QSYS-20260101-001", first)

	second, err := m.Generate(ctx, "QSYS", "20260101", 0)
	require.NoError(t, err)
	require.Equal(t, "QSYS-20260101-002", second)

	otherArea, err := m.Generate(ctx, "INFRA", "20260101", 0)
	require.NoError(t, err)
	require.Equal(t, "INFRA-20260101-001", otherArea)

	otherDate, err := m.Generate(ctx, "QSYS", "20260102", 0)
	require.NoError(t, err)
	require.Equal(t, "QSYS-20260102-001", otherDate)
}

func TestGenerateRejectsInvalidArea(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Generate(context.Background(), "bad area", "20260101", 0)
	require.ErrorIs(t, err, ErrInvalidArea)
}

func TestParseAndIsValid(t *testing.T) {
	parsed, ok := Parse("QSYS-20260101-007")
	require.True(t, ok)
	require.Equal(t, Parsed{Area: "QSYS", Date: "20260101", Seq: 7}, parsed)
	require.True(t, IsValid("QSYS-20260101-007"))

	_, ok = Parse("not-a-task-id")
	require.False(t, ok)
	require.False(t, IsValid("not-a-task-id"))
}

func TestRegisterAndLookupMapping(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterMapping(ctx, "LEGACY-123", "QSYS-20260101-001"))

	taskID, err := m.GetTaskID(ctx, "LEGACY-123")
	require.NoError(t, err)
	require.Equal(t, "QSYS-20260101-001", taskID)

	taskcode, err := m.GetTaskCode(ctx, "QSYS-20260101-001")
	require.NoError(t, err)
	require.Equal(t, "LEGACY-123", taskcode)

	missing, err := m.GetTaskID(ctx, "NOPE")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestRegisterMappingConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.RegisterMapping(ctx, "LEGACY-123", "QSYS-20260101-001"))
	err := m.RegisterMapping(ctx, "OTHER-456", "QSYS-20260101-001")
	require.ErrorIs(t, err, ErrMappingConflict)
}

func TestEnsureTaskIDParsesLegacyAreaDate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	taskID, err := m.EnsureTaskID(ctx, "QSYS__20260101", "")
	require.NoError(t, err)
	require.Equal(t, "QSYS-20260101-001", taskID)

	again, err := m.EnsureTaskID(ctx, "QSYS__20260101", "")
	require.NoError(t, err)
	require.Equal(t, taskID, again)
}

func TestMigrateTaskcodeExtractsEmbeddedDate(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	taskID, err := m.MigrateTaskcode(ctx, "nightly-run-20260215-final", "")
	require.NoError(t, err)

	parsed, ok := Parse(taskID)
	require.True(t, ok)
	require.Equal(t, DefaultArea, parsed.Area)
	require.Equal(t, "20260215", parsed.Date)

	taskcode, err := m.GetTaskCode(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "nightly-run-20260215-final", taskcode)
}

func TestMigrateTaskcodeIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.MigrateTaskcode(ctx, "freeform", "INFRA")
	require.NoError(t, err)

	second, err := m.MigrateTaskcode(ctx, "freeform", "INFRA")
	require.NoError(t, err)
	require.Equal(t, first, second)
}
