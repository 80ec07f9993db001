package coordinator

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"

	"github.com/syntor/agentcore/pkg/models"
)

func TestQueueStrictPriorityOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("pop order is priority first, submission order second", prop.ForAll(
		func(levels []uint8) bool {
			q := newTaskQueue()
			for i, l := range levels {
				q.push(&queueItem{
					taskID: fmt.Sprintf("t%03d", i),
					score:  models.Priority(l).Score(),
					seq:    uint64(i),
				})
			}

			var prev *queueItem
			for {
				item, ok := q.pop()
				if !ok {
					break
				}
				if prev != nil {
					if item.score > prev.score {
						return false
					}
					if item.score == prev.score && item.seq < prev.seq {
						return false
					}
				}
				prev = item
			}
			return q.len() == 0
		},
		gen.SliceOf(gen.UInt8Range(0, 4)),
	))

	properties.TestingRun(t)
}

func TestQueueDelayAndPromote(t *testing.T) {
	q := newTaskQueue()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	q.delay(&queueItem{taskID: "late", score: 100, seq: 1}, now.Add(5*time.Second), waitAgent)
	q.delay(&queueItem{taskID: "soon", score: 50, seq: 2}, now.Add(time.Second), waitDependency)
	assert.Equal(t, 0, q.readyLen())
	assert.Equal(t, 2, q.delayedLen())
	assert.True(t, q.contains("late"))

	assert.Equal(t, 1, q.promote(now.Add(time.Second)))
	item, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "soon", item.taskID)

	q.wake(waitAgent, now)
	assert.Equal(t, 1, q.promote(now))
	item, _ = q.pop()
	assert.Equal(t, "late", item.taskID)
}

func TestQueueRemoveAndDedupe(t *testing.T) {
	q := newTaskQueue()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, q.push(&queueItem{taskID: "a", score: 50, seq: 1}))
	assert.False(t, q.push(&queueItem{taskID: "a", score: 50, seq: 1}))
	q.push(&queueItem{taskID: "b", score: 80, seq: 2})
	q.delay(&queueItem{taskID: "c", score: 10, seq: 3}, now.Add(time.Minute), waitBackoff)

	assert.True(t, q.remove("b"))
	assert.True(t, q.remove("c"))
	assert.False(t, q.remove("c"))
	assert.Equal(t, 1, q.len())

	item, _ := q.pop()
	assert.Equal(t, "a", item.taskID)
	q.promote(now.Add(time.Hour))
	_, ok := q.pop()
	assert.False(t, ok)
}
