package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"data-rsync/internal/breakpoint"
	"data-rsync/internal/dto"
	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/repository"
	"data-rsync/internal/sink"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTaskAppliesDefaults(t *testing.T) {
	f := newFixture(t, 0)
	task := f.createTask(t, "defaults", model.TaskFullSync, func(r *dto.CreateTaskReq) {
		r.Concurrency, r.BatchSize, r.Dimension = 0, 0, 0
	})

	assert.Equal(t, model.StatusPending, task.Status)
	assert.True(t, task.Enabled)
	assert.True(t, task.ClearBeforeFull)
	assert.Equal(t, model.StrategyUpsert, task.SyncStrategy)
	assert.Equal(t, 1, task.Concurrency)
	assert.Equal(t, 1000, task.BatchSize)
	assert.Equal(t, 3, task.RetryCount)
	assert.Equal(t, 3600, task.TimeoutSeconds)
	assert.Equal(t, 100, task.ErrorThreshold)
	assert.Equal(t, 128, task.Dimension)
	assert.Equal(t, "COSINE", task.Metric)
	assert.Nil(t, task.NextExecTime)
}

func TestCreateTaskRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	base := dto.CreateTaskReq{
		Name: "bad", Type: model.TaskFullSync, DataSourceID: f.ds.ID,
		SourceTable: "users", PrimaryKey: "id", Collection: "bad_vec",
	}

	req := base
	req.Type = "MIRROR"
	_, err := f.svc.CreateTask(ctx, req)
	assert.True(t, errs.IsConfiguration(err))

	req = base
	req.SyncStrategy = "MERGE"
	_, err = f.svc.CreateTask(ctx, req)
	assert.True(t, errs.IsConfiguration(err))

	req = base
	req.DataSourceID = 999
	_, err = f.svc.CreateTask(ctx, req)
	assert.True(t, errs.IsConfiguration(err))

	req = base
	req.ScheduleType, req.ScheduleExpression = model.ScheduleCron, "every day"
	_, err = f.svc.CreateTask(ctx, req)
	assert.True(t, errs.IsConfiguration(err))

	req = base
	req.BatchSize = sink.MaxBatch + 1
	_, err = f.svc.CreateTask(ctx, req)
	assert.True(t, errs.IsConfiguration(err))

	f.createTask(t, "dup", model.TaskFullSync)
	req = base
	req.Name = "dup"
	_, err = f.svc.CreateTask(ctx, req)
	assert.True(t, errs.IsConflict(err))
}

func TestFullSyncRunsToSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	task := f.createTask(t, "full", model.TaskFullSync)

	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	done := f.waitStatus(t, task.ID, model.StatusSuccess)

	assert.Equal(t, 100, done.Progress)
	assert.Equal(t, 1, done.ExecCount)
	assert.NotNil(t, done.EndTime)
	assert.Empty(t, done.ErrorMessage)
	assert.EqualValues(t, 50, f.count(t, "full_vec"))

	// 断点只包含已被确认的分片, 这里是全部分片
	tok, err := breakpoint.Parse(done.Breakpoint)
	require.NoError(t, err)
	assert.Equal(t, breakpoint.ModeScan, tok.Mode)
	assert.Equal(t, []int{0, 1}, tok.Shards)
	assert.Equal(t, 2, tok.ShardCount)

	logs, err := f.svc.RunLogs(ctx, task.ID, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	rl := logs[0]
	assert.Equal(t, model.StatusSuccess, rl.Status)
	assert.EqualValues(t, 50, rl.RowsScanned)
	assert.EqualValues(t, 50, rl.RowsWritten)
	assert.Zero(t, rl.RowsQuarantined)
	assert.Equal(t, 2, rl.ShardsTotal)
	require.NotNil(t, rl.FinishedAt)

	var rep sink.Report
	require.NoError(t, json.Unmarshal(rl.Consistency, &rep))
	assert.EqualValues(t, 50, rep.SourceCount)
	assert.EqualValues(t, 50, rep.TargetCount)
	assert.Zero(t, rep.Delta)
	_, archived := f.archiver.Object(rl.ReportKey)
	assert.True(t, archived)

	progress, err := f.svc.Progress(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, progress.Status)
	assert.Equal(t, 100, progress.Progress)

	// 终态可以重新启动; 成功后的重跑从头全量
	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	again := f.waitStatus(t, task.ID, model.StatusSuccess)
	assert.Equal(t, 2, again.ExecCount)
	assert.EqualValues(t, 50, f.count(t, "full_vec"))
	logs, _ = f.svc.RunLogs(ctx, task.ID, 10)
	require.Len(t, logs, 2)
	assert.EqualValues(t, 50, logs[0].RowsScanned)
}

func TestFullSyncQuarantinesDirtyRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	_, err := f.adapter.Execute(ctx, `UPDATE users SET email = 'broken' WHERE id = 3`)
	require.NoError(t, err)
	task := f.createTask(t, "dirty", model.TaskFullSync)

	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitStatus(t, task.ID, model.StatusSuccess)
	assert.EqualValues(t, 9, f.count(t, "dirty_vec"))

	n, err := f.errors.CountErrorData(ctx, task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	logs, _ := f.svc.RunLogs(ctx, task.ID, 1)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 1, logs[0].RowsQuarantined)
}

func TestFullSyncQuarantinesRowsWithoutKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	_, err := f.adapter.Execute(ctx, `UPDATE users SET email = NULL WHERE id IN (2, 5)`)
	require.NoError(t, err)
	task := f.createTask(t, "nokey", model.TaskFullSync, func(r *dto.CreateTaskReq) {
		r.PrimaryKey = "email"
		r.Pipeline = model.PipelineConfig{}
	})

	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitStatus(t, task.ID, model.StatusSuccess)
	assert.EqualValues(t, 8, f.count(t, "nokey_vec"))

	rows, total, err := f.errRepo.List(ctx, repository.ErrorDataFilter{TaskID: task.ID, Stage: model.StageScan})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, rows, 2)
	assert.Empty(t, rows[0].RecordKey)
	logs, _ := f.svc.RunLogs(ctx, task.ID, 1)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 2, logs[0].RowsQuarantined)
	assert.Zero(t, logs[0].ShardsFailed)
}

func TestStartTaskPreconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	task := f.createTask(t, "disabled", model.TaskFullSync)

	_, err := f.svc.ToggleTask(ctx, task.ID, false)
	require.NoError(t, err)
	err = f.svc.StartTask(ctx, task.ID)
	assert.True(t, errs.IsConflict(err))

	err = f.svc.StartTask(ctx, 4242)
	assert.True(t, errs.IsNotFound(err))

	// 非 RUNNING 任务不能暂停 / 恢复
	assert.True(t, errs.IsConflict(f.svc.PauseTask(ctx, task.ID)))
	assert.True(t, errs.IsConflict(f.svc.ResumeTask(ctx, task.ID)))
	assert.True(t, errs.IsConflict(f.svc.StopTask(ctx, task.ID)))
}

func TestResumeScanFromBreakpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 50)
	task := f.createTask(t, "resume", model.TaskFullSync)

	// 上一次运行完成了分片 0 后失败
	require.NoError(t, f.tasks.UpdateFields(ctx, task.ID, map[string]interface{}{"status": model.StatusFailed}))
	_, err := f.breakpoints.Set(ctx, task.ID, breakpoint.Scan([]int{0}, 2, 1, 51).Encode())
	require.NoError(t, err)

	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitStatus(t, task.ID, model.StatusSuccess)

	// 只重扫分片 1 [26, 51), 续扫不清空集合
	assert.EqualValues(t, 25, f.count(t, "resume_vec"))
	logs, _ := f.svc.RunLogs(ctx, task.ID, 1)
	require.Len(t, logs, 1)
	assert.EqualValues(t, 25, logs[0].RowsScanned)

	raw, _, _ := f.breakpoints.Get(ctx, task.ID)
	tok, err := breakpoint.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, tok.Shards)
}

func TestPauseResumeStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	task := f.createTask(t, "live", model.TaskFullAndIncremental, func(r *dto.CreateTaskReq) { r.Concurrency = 1 })

	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitMode(t, task.ID, breakpoint.ModeCDC)
	require.Eventually(t, func() bool { return f.count(t, "live_vec") == 10 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, errs.IsConflict(f.svc.StartTask(ctx, task.ID)))

	require.NoError(t, f.svc.PauseTask(ctx, task.ID))
	paused, _ := f.tasks.Get(ctx, task.ID)
	assert.Equal(t, model.StatusPaused, paused.Status)
	assert.NotNil(t, paused.PauseTime)
	assert.True(t, errs.IsConflict(f.svc.PauseTask(ctx, task.ID)))

	health, err := f.svc.Health(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, health.Running)
	assert.True(t, health.Paused)
	assert.Equal(t, "HEALTHY", health.Pipeline)

	// 暂停期间捕获到的变更不会写入
	f.insert(t, 11)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 10, f.count(t, "live_vec"))

	require.NoError(t, f.svc.ResumeTask(ctx, task.ID))
	resumed, _ := f.tasks.Get(ctx, task.ID)
	assert.Equal(t, model.StatusRunning, resumed.Status)
	require.Eventually(t, func() bool { return f.count(t, "live_vec") == 11 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.svc.StopTask(ctx, task.ID))
	stopped := f.waitStatus(t, task.ID, model.StatusStopped)
	assert.NotNil(t, stopped.EndTime)
	assert.True(t, errs.IsConflict(f.svc.StopTask(ctx, task.ID)))

	// 重新启动直接从增量断点继续, 不再全量
	f.insert(t, 12)
	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	require.Eventually(t, func() bool { return f.count(t, "live_vec") == 12 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, f.svc.StopTask(ctx, task.ID))
	f.waitStatus(t, task.ID, model.StatusStopped)
	logs, _ := f.svc.RunLogs(ctx, task.ID, 1)
	require.Len(t, logs, 1)
	assert.Zero(t, logs[0].RowsScanned)
}

func TestHandoverKeepsWritesMadeDuringScan(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 200)
	task := f.createTask(t, "handover", model.TaskFullAndIncremental)

	// 扫描和监听启动期间持续写入源表
	writes := make(chan error, 1)
	go func() {
		for id := 1001; id <= 1040; id++ {
			if _, err := f.adapter.Execute(ctx, `INSERT INTO users (id, name, email) VALUES (?, ?, ?)`,
				id, fmt.Sprintf("user %d", id), fmt.Sprintf("u%d@x.io", id)); err != nil {
				writes <- err
				return
			}
			time.Sleep(time.Millisecond)
		}
		writes <- nil
	}()
	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	require.NoError(t, <-writes)

	f.waitMode(t, task.ID, breakpoint.ModeCDC)
	require.Eventually(t, func() bool { return f.count(t, "handover_vec") == 240 }, 10*time.Second, 20*time.Millisecond)
	got, err := f.store.Get(ctx, "handover_vec", []string{"1001", "1040"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, f.svc.StopTask(ctx, task.ID))
	f.waitStatus(t, task.ID, model.StatusStopped)
}

func TestRollbackRestoresCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	task := f.createTask(t, "rollback", model.TaskFullAndIncremental, func(r *dto.CreateTaskReq) { r.Concurrency = 1 })

	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitMode(t, task.ID, breakpoint.ModeCDC)

	versions, err := f.svc.TaskVersions(ctx, task.ID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(versions), 2)
	oldest := versions[len(versions)-1]

	err = f.svc.RollbackTask(ctx, task.ID, "no-such-checkpoint")
	assert.True(t, errs.IsNotFound(err))

	// 停用后回滚不会自动重新运行
	_, err = f.svc.ToggleTask(ctx, task.ID, false)
	require.NoError(t, err)
	require.NoError(t, f.svc.RollbackTask(ctx, task.ID, oldest.ID))

	got := f.waitStatus(t, task.ID, model.StatusRolledBack)
	assert.Equal(t, oldest.ID, got.RollbackPoint)
	assert.Equal(t, oldest.Token, got.Breakpoint)
	raw, ok, err := f.breakpoints.Get(ctx, task.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, oldest.Token, raw)

	// 终态不能再回滚
	assert.True(t, errs.IsConflict(f.svc.RollbackTask(ctx, task.ID, oldest.ID)))
}

func TestTimeoutFailsStalledRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 3)
	task := f.createTask(t, "stall", model.TaskFullAndIncremental, func(r *dto.CreateTaskReq) {
		timeout := 60
		r.TimeoutSeconds = &timeout
	})
	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitMode(t, task.ID, breakpoint.ModeCDC)

	r := f.svc.active(task.ID)
	require.NotNil(t, r)
	assert.Zero(t, f.svc.CheckTimeouts(ctx))

	// 暂停中不计时
	require.NoError(t, f.svc.PauseTask(ctx, task.ID))
	r.beat.Store(time.Now().Add(-time.Hour).UnixNano())
	assert.Zero(t, f.svc.CheckTimeouts(ctx))
	require.NoError(t, f.svc.ResumeTask(ctx, task.ID))

	require.Eventually(t, func() bool {
		r.beat.Store(time.Now().Add(-time.Hour).UnixNano())
		return f.svc.CheckTimeouts(ctx) == 1
	}, 2*time.Second, 5*time.Millisecond)

	failed := f.waitStatus(t, task.ID, model.StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "no progress")
}

func TestUpdateAndDeleteTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 5)
	task := f.createTask(t, "edit", model.TaskFullSync)
	other := f.createTask(t, "other", model.TaskFullSync)

	name := "other"
	_, err := f.svc.UpdateTask(ctx, task.ID, dto.UpdateTaskReq{Name: &name})
	assert.True(t, errs.IsConflict(err))
	strategy := model.SyncStrategy("merge")
	_, err = f.svc.UpdateTask(ctx, task.ID, dto.UpdateTaskReq{SyncStrategy: &strategy})
	assert.True(t, errs.IsConfiguration(err))

	schedule, expr := model.ScheduleFixedRate, "30s"
	updated, err := f.svc.UpdateTask(ctx, task.ID, dto.UpdateTaskReq{ScheduleType: &schedule, ScheduleExpression: &expr})
	require.NoError(t, err)
	require.NotNil(t, updated.NextExecTime)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *updated.NextExecTime, 5*time.Second)

	off, err := f.svc.ToggleTask(ctx, task.ID, false)
	require.NoError(t, err)
	assert.Nil(t, off.NextExecTime)

	require.NoError(t, f.svc.StartTask(ctx, other.ID))
	f.waitStatus(t, other.ID, model.StatusSuccess)
	require.NoError(t, f.svc.DeleteTask(ctx, other.ID))
	_, err = f.svc.GetTask(ctx, other.ID)
	assert.True(t, errs.IsNotFound(err))
	_, ok, err := f.breakpoints.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecoverRestartsOrphanedRun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 20)
	task := f.createTask(t, "orphan", model.TaskFullSync)

	// 进程崩溃后遗留的 RUNNING 状态, 没有租约持有者
	require.NoError(t, f.tasks.UpdateFields(ctx, task.ID, map[string]interface{}{"status": model.StatusRunning}))
	n, err := f.svc.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.waitStatus(t, task.ID, model.StatusSuccess)
	assert.EqualValues(t, 20, f.count(t, "orphan_vec"))
}

func TestConsistencyAndRebuildIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 8)
	task := f.createTask(t, "check", model.TaskFullSync)
	require.NoError(t, f.svc.StartTask(ctx, task.ID))
	f.waitStatus(t, task.ID, model.StatusSuccess)

	f.insert(t, 9)
	rep, err := f.svc.Consistency(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, rep.Consistent)
	assert.EqualValues(t, 1, rep.Delta)

	require.NoError(t, f.svc.RebuildIndex(ctx, task.ID))
	assert.Zero(t, f.count(t, "check_vec"))
}
