// ABOUTME: Tests for the agent activity state machine
// ABOUTME: Covers the edge table, routing through idle, reset and observer ordering

package activity

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type edge struct{ from, to State }

func record(m *Machine) *[]edge {
	var edges []edge
	m.OnTransition(func(from, to State) {
		edges = append(edges, edge{from, to})
	})
	return &edges
}

func TestNew_StartsIdle(t *testing.T) {
	assert.Equal(t, Idle, New(nil).State())
}

func TestTransition_EdgeTable(t *testing.T) {
	all := []State{Idle, Thinking, Responding, Executing, Error}
	valid := map[edge]bool{
		{Idle, Thinking}:    true,
		{Idle, Responding}:  true,
		{Idle, Executing}:   true,
		{Thinking, Idle}:    true,
		{Responding, Idle}:  true,
		{Executing, Idle}:   true,
		{Idle, Error}:       true,
		{Thinking, Error}:   true,
		{Responding, Error}: true,
		{Executing, Error}:  true,
		{Error, Idle}:       true,
		{Error, Responding}: true,
	}

	for _, from := range all {
		for _, to := range all {
			if from == to {
				continue
			}
			m := New(nil)
			m.state = from
			err := m.Transition(to)
			if valid[edge{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, m.State())
			} else {
				assert.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, m.State())
			}
		}
	}
}

func TestTransition_SameStateIsNoop(t *testing.T) {
	m := New(nil)
	edges := record(m)

	require.NoError(t, m.Transition(Idle))
	assert.Empty(t, *edges)
}

func TestTransition_UnknownState(t *testing.T) {
	m := New(nil)
	assert.ErrorIs(t, m.Transition("sleeping"), ErrInvalidTransition)
	assert.ErrorIs(t, m.Request("sleeping"), ErrInvalidTransition)
}

func TestRequest_RoutesCrossTransitionsThroughIdle(t *testing.T) {
	m := New(nil)
	edges := record(m)

	require.NoError(t, m.Request(Executing))
	require.NoError(t, m.Request(Responding))

	assert.Equal(t, Responding, m.State())
	assert.Equal(t, []edge{
		{Idle, Executing},
		{Executing, Idle},
		{Idle, Responding},
	}, *edges)
}

func TestRequest_LastRequestWins(t *testing.T) {
	sequences := [][]State{
		{Thinking, Responding, Idle},
		{Responding, Executing},
		{Error, Thinking},
		{Executing, Error, Responding},
		{Responding, Responding, Idle, Executing},
	}

	for _, seq := range sequences {
		m := New(nil)
		edges := record(m)
		for _, s := range seq {
			require.NoError(t, m.Request(s))
		}
		assert.Equal(t, seq[len(seq)-1], m.State())

		// Every observed edge is in the table.
		for _, e := range *edges {
			assert.True(t, allowed(e.from, e.to), "edge %s -> %s taken", e.from, e.to)
		}
	}
}

func TestReset(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Request(Executing))
	edges := record(m)

	m.Reset()
	assert.Equal(t, Idle, m.State())
	assert.Equal(t, []edge{{Executing, Idle}}, *edges)

	m.Reset()
	assert.Len(t, *edges, 1, "reset from idle notifies nobody")
}

func TestObservers_SeeEdgesInStateOrder(t *testing.T) {
	m := New(nil)

	var mu sync.Mutex
	var last State = Idle
	contiguous := true
	m.OnTransition(func(from, to State) {
		mu.Lock()
		defer mu.Unlock()
		if from != last {
			contiguous = false
		}
		last = to
	})

	targets := []State{Thinking, Responding, Executing, Error, Idle}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if (i+j)%7 == 0 {
					m.Reset()
					continue
				}
				_ = m.Request(targets[(i+j)%len(targets)])
			}
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, contiguous, "each edge starts where the previous one ended")
	assert.Equal(t, m.State(), last)
}
