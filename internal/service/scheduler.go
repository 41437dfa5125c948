package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
	"data-rsync/internal/repository"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// cron 表达式允许省略秒
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseInterval FIXED_RATE / FIXED_DELAY 的间隔, 支持 "30s" 或纯秒数 "30"
func ParseInterval(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if n, err := strconv.Atoi(expr); err == nil {
		if n <= 0 {
			return 0, errs.Configf("schedule.parse", "interval must be positive, got %q", expr)
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(expr)
	if err != nil {
		return 0, errs.Configf("schedule.parse", "invalid interval %q", expr)
	}
	if d <= 0 {
		return 0, errs.Configf("schedule.parse", "interval must be positive, got %q", expr)
	}
	return d, nil
}

// ValidateSchedule 创建/更新任务时校验调度配置
func ValidateSchedule(typ model.ScheduleType, expr string) error {
	switch typ {
	case model.ScheduleNone:
		return nil
	case model.ScheduleCron:
		if _, err := cronParser.Parse(expr); err != nil {
			return errs.Configf("schedule.parse", "invalid cron expression %q: %v", expr, err)
		}
		return nil
	case model.ScheduleFixedRate, model.ScheduleFixedDelay:
		_, err := ParseInterval(expr)
		return err
	}
	return errs.Configf("schedule.parse", "unknown schedule type %q", typ)
}

// NextExecTime 计算 from 之后的下一次执行时间; 未配置调度时返回 nil。
// FIXED_DELAY 的 from 为上一次运行结束时间。
func NextExecTime(task *model.Task, from time.Time) (*time.Time, error) {
	var next time.Time
	switch task.ScheduleType {
	case model.ScheduleNone:
		return nil, nil
	case model.ScheduleCron:
		sched, err := cronParser.Parse(task.ScheduleExpression)
		if err != nil {
			return nil, errs.Configf("schedule.next", "invalid cron expression %q: %v", task.ScheduleExpression, err)
		}
		next = sched.Next(from)
	case model.ScheduleFixedRate, model.ScheduleFixedDelay:
		d, err := ParseInterval(task.ScheduleExpression)
		if err != nil {
			return nil, err
		}
		next = from.Add(d)
	default:
		return nil, errs.Configf("schedule.next", "unknown schedule type %q", task.ScheduleType)
	}
	return &next, nil
}

// Starter 调度器触发任务的入口
type Starter interface {
	StartTask(ctx context.Context, id uint) error
}

// Scheduler 周期性扫描到期任务, 同时驱动超时巡检
type Scheduler struct {
	tasks   repository.TaskRepository
	starter Starter
	// watch 每个周期额外执行的巡检 (超时看门狗)
	watch    func(ctx context.Context)
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time

	cron *cron.Cron
}

func NewScheduler(tasks repository.TaskRepository, starter Starter, watch func(ctx context.Context),
	interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Scheduler{
		tasks:    tasks,
		starter:  starter,
		watch:    watch,
		interval: interval,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      time.Now,
	}
}

// RunDue 启动所有到期任务, 返回成功启动的数量
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.tasks.Due(ctx, now)
	if err != nil {
		return 0, err
	}
	started := 0
	for i := range due {
		t := &due[i]
		fields := map[string]interface{}{}
		if t.ScheduleType == model.ScheduleFixedDelay {
			// 运行结束时再根据结束时间计算
			fields["next_exec_time"] = nil
		} else {
			next, err := NextExecTime(t, now)
			if err != nil {
				s.log.Error().Err(err).Uint("task_id", t.ID).Msg("调度配置无效, 已停用调度")
				fields["next_exec_time"] = nil
			} else {
				fields["next_exec_time"] = next
			}
		}
		if err := s.tasks.UpdateFields(ctx, t.ID, fields); err != nil {
			s.log.Warn().Err(err).Uint("task_id", t.ID).Msg("更新下次执行时间失败")
			continue
		}
		if err := s.starter.StartTask(ctx, t.ID); err != nil {
			s.log.Warn().Err(err).Uint("task_id", t.ID).Msg("定时启动任务失败")
			continue
		}
		started++
		s.log.Info().Uint("task_id", t.ID).Str("schedule", string(t.ScheduleType)).Msg("定时任务已触发")
	}
	return started, nil
}

// Start 注册周期任务; ctx 结束时 Stop
func (s *Scheduler) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	spec := "@every " + s.interval.String()
	if _, err := c.AddFunc(spec, func() {
		if _, err := s.RunDue(ctx); err != nil {
			s.log.Warn().Err(err).Msg("扫描到期任务失败")
		}
		if s.watch != nil {
			s.watch(ctx)
		}
	}); err != nil {
		return errs.Config("scheduler.start", err)
	}
	s.cron = c
	c.Start()
	s.log.Info().Dur("interval", s.interval).Msg("调度器已启动")
	return nil
}

func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}
