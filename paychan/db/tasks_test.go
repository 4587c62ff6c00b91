package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskQueueOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	past := time.Now().Add(-time.Minute)
	past2 := past.Add(time.Second)
	require.NoError(t, d.CreateTask(ctx, "wh", "webhook", "q1", "t1", map[string]int{"n": 1}, &past, nil))
	require.NoError(t, d.CreateTask(ctx, "wh", "webhook", "q1", "t2", map[string]int{"n": 2}, &past2, nil))
	// same id again is ignored
	require.NoError(t, d.CreateTask(ctx, "wh", "webhook", "q1", "t1", map[string]int{"n": 3}, &past, nil))

	task, err := d.AcquireTask(ctx, "wh")
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "t1", task.ID)
	assert.JSONEq(t, `{"n":1}`, string(task.Data))

	// t1 is locked, its queue must wait
	next, err := d.AcquireTask(ctx, "wh")
	require.NoError(t, err)
	assert.Nil(t, next)

	require.NoError(t, d.CompleteTask(ctx, "wh", task))

	next, err = d.AcquireTask(ctx, "wh")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t2", next.ID)

	require.NoError(t, d.RetryTask(ctx, next, "unreachable", time.Now().Add(time.Hour)))

	none, err := d.AcquireTask(ctx, "wh")
	require.NoError(t, err)
	assert.Nil(t, none)

	active, err := d.ListActiveTasks(ctx, "wh")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "t2", active[0].ID)
	assert.Equal(t, "unreachable", active[0].LastError)
}

func TestTaskNotReadyYet(t *testing.T) {
	ctx := context.Background()
	d := newTestDB(t)

	later := time.Now().Add(time.Hour)
	require.NoError(t, d.CreateTask(ctx, "wh", "webhook", "q", "x", nil, &later, nil))

	task, err := d.AcquireTask(ctx, "wh")
	require.NoError(t, err)
	assert.Nil(t, task)
}
