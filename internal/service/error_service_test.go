package service

import (
	"context"
	"testing"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quarantineUser(t *testing.T, f *fixture, taskID uint, key, email string) uint {
	t.Helper()
	ev := &model.ChangeEvent{
		TaskID: taskID,
		Op:     model.OpCreate,
		Key:    key,
		After:  map[string]interface{}{"id": key, "name": "u" + key, "email": email},
		Offset: 7,
	}
	require.NoError(t, f.recorder.Quarantine(context.Background(), taskID, model.StageWrite, ev,
		errs.Transientf("sink.upsert", "vector store unavailable")))
	rows, _, err := f.errRepo.List(context.Background(), repository.ErrorDataFilter{TaskID: taskID, PageSize: 100})
	require.NoError(t, err)
	require.NotEmpty(t, rows)
	return rows[0].ID
}

func TestQuarantineStoresOriginalEvent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	task := f.createTask(t, "quarantine", model.TaskFullSync)
	id := quarantineUser(t, f, task.ID, "1", "a@x.io")

	row, err := f.errors.GetErrorData(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1", row.RecordKey)
	assert.Equal(t, model.StageWrite, row.SyncStage)
	assert.Equal(t, string(errs.KindTransient), row.ErrorType)
	assert.Equal(t, model.ProcessPending, row.ProcessStatus)
	assert.Contains(t, string(row.SourceData), `"email":"a@x.io"`)

	rows, total, err := f.errors.ListErrorData(ctx, repository.ErrorDataFilter{TaskID: task.ID, Stage: model.StageWrite})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Len(t, rows, 1)
}

func TestBatchRetryReportsPerRecordOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	task := f.createTask(t, "retry", model.TaskFullSync)
	good := quarantineUser(t, f, task.ID, "1", "a@x.io")
	bad := quarantineUser(t, f, task.ID, "2", "not-an-email")

	results := f.errors.BatchRetryErrorData(ctx, []uint{good, bad, 9999})
	assert.Equal(t, map[uint]model.ProcessStatus{
		good: model.ProcessSuccess,
		bad:  model.ProcessFailed,
		9999: model.ProcessFailed,
	}, results)

	for id, want := range map[uint]model.ProcessStatus{good: model.ProcessSuccess, bad: model.ProcessFailed} {
		row, err := f.errors.GetErrorData(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, row.ProcessStatus)
		assert.Equal(t, 1, row.RetryCount)
		assert.NotNil(t, row.LastRetryTime)
	}
	bad1, _ := f.errors.GetErrorData(ctx, bad)
	assert.Contains(t, bad1.ErrorMessage, "invalid email")

	got, err := f.store.Get(ctx, "retry_vec", []string{"1"})
	require.NoError(t, err)
	assert.Equal(t, "a@x.io", got["1"].Fields["email"])

	// 成功的记录不能再次重试; 失败的可以
	_, err = f.errors.RetryErrorData(ctx, good)
	assert.True(t, errs.IsConflict(err))
	status, err := f.errors.RetryErrorData(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, model.ProcessFailed, status)
	row, _ := f.errors.GetErrorData(ctx, bad)
	assert.Equal(t, 2, row.RetryCount)
}

func TestCleanErrorData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	task := f.createTask(t, "clean", model.TaskFullSync)
	quarantineUser(t, f, task.ID, "1", "a@x.io")
	quarantineUser(t, f, task.ID, "2", "b@x.io")

	n, err := f.errors.CleanErrorData(ctx, task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
	count, err := f.errors.CountErrorData(ctx, task.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	_, err = f.errors.CleanErrorData(ctx, 4242)
	assert.True(t, errs.IsNotFound(err))
}
