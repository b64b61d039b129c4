package download

import (
	douk "github.com/madou1217/douk-downloader"
)

// TaskSnapshot is the observable state of a task at one point in time.
// Snapshots are plain values so observers can diff them.
type TaskSnapshot struct {
	WorkID  string
	Label   string
	Kind    douk.TaskKind
	Status  string
	Bytes   int64
	Percent int
}

// TaskEvent carries a state transition. Old is nil for the first event of a
// task.
type TaskEvent struct {
	Old *TaskSnapshot
	New *TaskSnapshot
}

func snapshot(task *douk.TransferTask, status string, bytes int64, percent int) *TaskSnapshot {
	return &TaskSnapshot{
		WorkID:  task.WorkID,
		Label:   task.Label,
		Kind:    task.Kind,
		Status:  status,
		Bytes:   bytes,
		Percent: percent,
	}
}

func (e *Engine) publish(old, next *TaskSnapshot) {
	e.events.Send(TaskEvent{Old: old, New: next})
}
