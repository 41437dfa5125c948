package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusPaused, false},
		{StatusPending, StatusRolledBack, true},
		{StatusRunning, StatusPaused, true},
		{StatusRunning, StatusSuccess, true},
		{StatusRunning, StatusRolledBack, true},
		{StatusPaused, StatusRunning, true},
		{StatusPaused, StatusPaused, false},
		{StatusPaused, StatusSuccess, false},
		{StatusSuccess, StatusPaused, false},
		{StatusSuccess, StatusRolledBack, false},
		{StatusFailed, StatusRunning, true},
		{StatusRolledBack, StatusRunning, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskStatusClasses(t *testing.T) {
	assert.True(t, StatusSuccess.Terminal())
	assert.True(t, StatusRolledBack.Terminal())
	assert.False(t, StatusPaused.Terminal())
	assert.True(t, StatusPaused.Active())
	assert.False(t, StatusPending.Active())
}

func TestTaskTypeComponents(t *testing.T) {
	assert.True(t, TaskFullSync.NeedsScan())
	assert.False(t, TaskFullSync.NeedsListener())
	assert.True(t, TaskIncrementalSync.NeedsListener())
	assert.True(t, TaskFullAndIncremental.NeedsScan())
	assert.True(t, TaskFullAndIncremental.NeedsListener())
	assert.False(t, TaskType("CDC").Valid())
}

func TestDataSourcePoolKey(t *testing.T) {
	a := &DataSource{Type: "mysql", Host: "db", Port: 3306, Database: "shop", Username: "u"}
	b := &DataSource{Type: "MYSQL", Host: "db", Port: 3306, Database: "shop", Username: "u", Password: "other"}
	c := &DataSource{Type: "MYSQL", Host: "db", Port: 3306, Database: "crm", Username: "u"}

	assert.Equal(t, a.PoolKey(), b.PoolKey())
	assert.NotEqual(t, a.PoolKey(), c.PoolKey())
}

func TestChangeEventImage(t *testing.T) {
	del := ChangeEvent{Op: OpDelete, Before: map[string]interface{}{"id": 1}}
	upd := ChangeEvent{Op: OpUpdate, After: map[string]interface{}{"id": 2}}
	assert.Equal(t, 1, del.Image()["id"])
	assert.Equal(t, 2, upd.Image()["id"])
}
