package pipeline

import (
	"context"
	"errors"
	"fmt"

	"data-rsync/internal/errs"
	"data-rsync/internal/model"
)

// StageError 记录失败阶段, 供隔离区记录 sync_stage
type StageError struct {
	Stage model.SyncStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Pipeline clean -> transform -> vectorize, 每个阶段可单独替换
type Pipeline struct {
	cleaner     Cleaner
	transformer Transformer
	vectorizer  Vectorizer
}

func New(c Cleaner, t Transformer, v Vectorizer) *Pipeline {
	if c == nil {
		c = DefaultCleaner{}
	}
	if t == nil {
		t = DefaultTransformer{}
	}
	return &Pipeline{cleaner: c, transformer: t, vectorizer: v}
}

// Process 处理单条事件。DELETE 只需要主键, 不做清洗和向量化。
func (p *Pipeline) Process(ctx context.Context, task *model.Task, ev *model.ChangeEvent) (*model.ProcessedRecord, error) {
	rec := &model.ProcessedRecord{
		TaskID: ev.TaskID,
		Key:    ev.Key,
		Op:     ev.Op,
		Offset: ev.Offset,
		Source: ev,
	}
	if ev.Key == "" {
		return nil, &StageError{Stage: model.StageProcess, Err: errs.Dataf("pipeline.process", "event without key")}
	}
	if ev.Op == model.OpDelete {
		return rec, nil
	}
	img := ev.Image()
	if img == nil {
		return nil, &StageError{Stage: model.StageProcess, Err: errs.Dataf("pipeline.process", "%s event without row image", ev.Op)}
	}

	cfg := task.Pipeline.Data()
	cleaned, err := p.cleaner.Clean(img, &cfg)
	if err != nil {
		return nil, &StageError{Stage: model.StageProcess, Err: err}
	}
	fields, err := p.transformer.Transform(cleaned, &cfg)
	if err != nil {
		return nil, &StageError{Stage: model.StageProcess, Err: err}
	}
	vec, text, err := p.vectorizer.Vectorize(ctx, fields, &cfg, task.Dimension)
	if err != nil {
		return nil, &StageError{Stage: model.StageVectorize, Err: err}
	}
	rec.Fields = fields
	rec.Vector = vec
	rec.Text = text
	return rec, nil
}

// StageOf 取错误链上的阶段, 没有时返回 fallback
func StageOf(err error, fallback model.SyncStage) model.SyncStage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return fallback
}
