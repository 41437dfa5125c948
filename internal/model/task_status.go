package model

type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusRunning    TaskStatus = "RUNNING"
	StatusPaused     TaskStatus = "PAUSED"
	StatusSuccess    TaskStatus = "SUCCESS"
	StatusFailed     TaskStatus = "FAILED"
	StatusStopped    TaskStatus = "STOPPED"
	StatusRolledBack TaskStatus = "ROLLED_BACK"
)

var taskTransitions = map[TaskStatus][]TaskStatus{
	StatusPending: {StatusRunning, StatusRolledBack},
	StatusRunning: {StatusSuccess, StatusFailed, StatusStopped, StatusPaused, StatusRolledBack},
	StatusPaused:  {StatusRunning, StatusStopped, StatusFailed, StatusRolledBack},

	// 终态只能重新触发
	StatusSuccess:    {StatusRunning},
	StatusFailed:     {StatusRunning},
	StatusStopped:    {StatusRunning},
	StatusRolledBack: {StatusRunning},
}

func (s TaskStatus) CanTransition(to TaskStatus) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusStopped, StatusRolledBack:
		return true
	}
	return false
}

// Active RUNNING 或 PAUSED, 即本节点持有运行句柄的状态
func (s TaskStatus) Active() bool {
	return s == StatusRunning || s == StatusPaused
}
