package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/nkropf/datapatrol/internal/errors"
	"github.com/nkropf/datapatrol/internal/investigation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seedDefinition(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.PutDefinition(context.Background(), &investigation.Definition{
		ID:     id,
		Kind:   "threshold-check",
		Name:   "test definition",
		Active: true,
	}))
}

func seedExecution(t *testing.T, s *Store, id, defID string) {
	t.Helper()
	require.NoError(t, s.CreateExecution(context.Background(), &investigation.Execution{
		ID:           id,
		DefinitionID: defID,
		Status:       investigation.StatusRunning,
		StartedAt:    time.Now(),
	}))
}

func seedFinding(t *testing.T, s *Store, id, execID string) {
	t.Helper()
	require.NoError(t, s.InsertFinding(context.Background(), &investigation.Finding{
		ID:          id,
		ExecutionID: execID,
		Timestamp:   time.Now(),
		Severity:    investigation.SeverityWarning,
		Message:     "value out of bounds",
		Details:     json.RawMessage(`{"value":150}`),
	}))
}

func TestDefinitionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lastRun := time.Now().Truncate(time.Millisecond)
	def := &investigation.Definition{
		ID:        "inv-1",
		Kind:      "range-check",
		Name:      "disk usage",
		Active:    true,
		LastRunAt: &lastRun,
	}
	require.NoError(t, s.PutDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, def.ID, got.ID)
	assert.Equal(t, def.Kind, got.Kind)
	assert.Equal(t, def.Name, got.Name)
	assert.True(t, got.Active)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, lastRun.UnixMilli(), got.LastRunAt.UnixMilli())
}

func TestGetDefinitionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDefinition(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSetDefinitionActive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")

	require.NoError(t, s.SetDefinitionActive(ctx, "inv-1", false))
	got, err := s.GetDefinition(ctx, "inv-1")
	require.NoError(t, err)
	assert.False(t, got.Active)

	assert.ErrorIs(t, s.SetDefinitionActive(ctx, "missing", false), apperrors.ErrNotFound)
}

func TestExecutionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, investigation.StatusRunning, got.Status)
	assert.Equal(t, int64(0), got.ResultCount)
	assert.Nil(t, got.CompletedAt)

	completedAt := time.Now()
	require.NoError(t, s.FinalizeExecution(ctx, "exec-1", investigation.StatusCompleted, completedAt, ""))

	got, err = s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, investigation.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, completedAt.UnixMilli(), got.CompletedAt.UnixMilli())
}

func TestFinalizeIsSingleShot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	require.NoError(t, s.FinalizeExecution(ctx, "exec-1", investigation.StatusFailed, time.Now(), "boom"))

	err := s.FinalizeExecution(ctx, "exec-1", investigation.StatusCompleted, time.Now(), "")
	assert.ErrorIs(t, err, apperrors.ErrFinalized)

	// The terminal record was not touched.
	got, gerr := s.GetExecution(ctx, "exec-1")
	require.NoError(t, gerr)
	assert.Equal(t, investigation.StatusFailed, got.Status)
	assert.Equal(t, "boom", got.Error)
}

func TestFinalizeRejectsNonTerminalStatus(t *testing.T) {
	s := openTestStore(t)
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	err := s.FinalizeExecution(context.Background(), "exec-1", investigation.StatusRunning, time.Now(), "")
	assert.Error(t, err)
}

func TestFinalizeMissingExecution(t *testing.T) {
	s := openTestStore(t)
	err := s.FinalizeExecution(context.Background(), "missing", investigation.StatusCompleted, time.Now(), "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestLatestExecution(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.CreateExecution(ctx, &investigation.Execution{
			ID:           fmt.Sprintf("exec-%d", i),
			DefinitionID: "inv-1",
			Status:       investigation.StatusRunning,
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.LatestExecution(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-2", got.ID)

	_, err = s.LatestExecution(ctx, "never-ran")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestInsertFindingRequiresExecution(t *testing.T) {
	s := openTestStore(t)
	err := s.InsertFinding(context.Background(), &investigation.Finding{
		ID:          "f-1",
		ExecutionID: "missing",
		Timestamp:   time.Now(),
		Severity:    investigation.SeverityWarning,
		Message:     "orphan",
	})
	assert.Error(t, err, "foreign keys reject findings without an execution")
}

func TestConcurrentIncrementsAreExact(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	const n = 100
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, s.IncrementResultCount(ctx, "exec-1"))
		}()
	}
	wg.Wait()

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(n), got.ResultCount, "no lost updates under concurrent increments")
}

func TestIncrementMissingExecution(t *testing.T) {
	s := openTestStore(t)
	err := s.IncrementResultCount(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestReconcileCorrectsDrift(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	// Insert findings without incrementing: the undercount a dropped
	// increment would leave behind.
	seedFinding(t, s, "f-1", "exec-1")
	seedFinding(t, s, "f-2", "exec-1")
	seedFinding(t, s, "f-3", "exec-1")

	corrected, err := s.ReconcileResultCount(ctx, "exec-1")
	require.NoError(t, err)
	assert.True(t, corrected)

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.ResultCount)
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")
	seedFinding(t, s, "f-1", "exec-1")
	require.NoError(t, s.IncrementResultCount(ctx, "exec-1"))

	// Counter already matches the finding count: no write happens.
	corrected, err := s.ReconcileResultCount(ctx, "exec-1")
	require.NoError(t, err)
	assert.False(t, corrected)
}

func TestReconcileMissingExecution(t *testing.T) {
	s := openTestStore(t)
	_, err := s.ReconcileResultCount(context.Background(), "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestListFindingsPagination(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	for i := 0; i < 7; i++ {
		seedFinding(t, s, fmt.Sprintf("f-%02d", i), "exec-1")
	}

	page1, err := s.ListFindings(ctx, "exec-1", 3, 0)
	require.NoError(t, err)
	require.Len(t, page1, 3)

	page2, err := s.ListFindings(ctx, "exec-1", 3, 3)
	require.NoError(t, err)
	require.Len(t, page2, 3)

	page3, err := s.ListFindings(ctx, "exec-1", 3, 6)
	require.NoError(t, err)
	require.Len(t, page3, 1)

	seen := make(map[string]bool)
	for _, f := range append(append(page1, page2...), page3...) {
		assert.False(t, seen[f.ID], "no finding appears on two pages")
		seen[f.ID] = true
	}
	assert.Len(t, seen, 7)

	// Ordering is newest id first.
	assert.Equal(t, "f-06", page1[0].ID)
}

func TestCountFindingsMatchesCounterAfterNormalFlow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")

	for i := 0; i < 5; i++ {
		seedFinding(t, s, fmt.Sprintf("f-%d", i), "exec-1")
		require.NoError(t, s.IncrementResultCount(ctx, "exec-1"))
	}

	count, err := s.CountFindings(ctx, "exec-1")
	require.NoError(t, err)

	exec, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, count, exec.ResultCount)
}

func TestFindingDetailsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedDefinition(t, s, "inv-1")
	seedExecution(t, s, "exec-1", "inv-1")
	seedFinding(t, s, "f-1", "exec-1")

	findings, err := s.ListFindings(ctx, "exec-1", 10, 0)
	require.NoError(t, err)
	require.Len(t, findings, 1)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal(findings[0].Details, &details))
	assert.Equal(t, float64(150), details["value"])
}
