package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultGraph_Shape(t *testing.T) {
	g := DefaultGraph()

	require.Equal(t, "1", g.Start())
	terminals := 0
	for _, n := range g.Nodes() {
		if n.Terminal {
			terminals++
			continue
		}
		require.NotEmpty(t, n.Win, n.ID)
		require.NotEmpty(t, n.Loss, n.ID)
		require.True(t, n.StakePercent.IsPositive(), n.ID)
	}
	require.Equal(t, 2, terminals)

	first, ok := g.Node("1")
	require.True(t, ok)
	require.True(t, first.StakePercent.Equal(decimal.RequireFromString("0.65")))

	win, _ := g.Node(NodeWin)
	lost, _ := g.Node(NodeLost)
	require.True(t, win.StakePercent.Equal(decimal.RequireFromString("2.00")))
	require.True(t, lost.StakePercent.Equal(decimal.RequireFromString("-3.31")))
}

func TestGraph_Next(t *testing.T) {
	g := DefaultGraph()

	next, err := g.Next("1", ResultWin)
	require.NoError(t, err)
	require.Equal(t, "2W", next)

	next, err = g.Next("1", ResultLoss)
	require.NoError(t, err)
	require.Equal(t, "2L", next)

	_, err = g.Next(NodeWin, ResultWin)
	require.ErrorIs(t, err, ErrSessionCompleted)

	_, err = g.Next("nope", ResultWin)
	require.ErrorIs(t, err, ErrEdgeUndefined)

	require.True(t, g.IsEdge("3W", NodeWin))
	require.False(t, g.IsEdge("1", "3W"))
	require.False(t, g.IsEdge(NodeWin, "1"))
}

func TestGraph_EveryPathTerminates(t *testing.T) {
	g := DefaultGraph()

	var walk func(id string, depth int)
	walk = func(id string, depth int) {
		require.Less(t, depth, len(g.Nodes()), "path too long at %s", id)
		if g.IsTerminal(id) {
			return
		}
		for _, r := range []Result{ResultWin, ResultLoss} {
			next, err := g.Next(id, r)
			require.NoError(t, err)
			walk(next, depth+1)
		}
	}
	walk(g.Start(), 0)
}

func TestNewGraph_Rejects(t *testing.T) {
	one := decimal.NewFromInt(1)
	terms := []DecisionNode{
		{ID: NodeWin, Terminal: true},
		{ID: NodeLost, Terminal: true},
	}

	tests := []struct {
		name  string
		nodes []DecisionNode
		want  string
	}{
		{
			name:  "cycle",
			nodes: append([]DecisionNode{{ID: "a", StakePercent: one, Win: "b", Loss: NodeLost}, {ID: "b", StakePercent: one, Win: "a", Loss: NodeWin}}, terms...),
			want:  "cycle",
		},
		{
			name:  "undefined edge",
			nodes: append([]DecisionNode{{ID: "a", StakePercent: one, Win: NodeWin}}, terms...),
			want:  "undefined edge",
		},
		{
			name:  "missing terminal",
			nodes: []DecisionNode{{ID: "a", StakePercent: one, Win: NodeWin, Loss: NodeWin}, {ID: NodeWin, Terminal: true}},
			want:  "terminals",
		},
		{
			name:  "unknown target",
			nodes: append([]DecisionNode{{ID: "a", StakePercent: one, Win: "zzz", Loss: NodeLost}}, terms...),
			want:  "unknown node",
		},
		{
			name:  "unreachable",
			nodes: append([]DecisionNode{{ID: "a", StakePercent: one, Win: NodeWin, Loss: NodeLost}, {ID: "orphan", StakePercent: one, Win: NodeWin, Loss: NodeLost}}, terms...),
			want:  "unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph("a", tt.nodes)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadGraph(t *testing.T) {
	src := `
start: a
nodes:
  - id: a
    stake_percentage: "0.5"
    win: WIN
    loss: LOST
  - id: WIN
    stake_percentage: "0.5"
    terminal: true
  - id: LOST
    stake_percentage: "-0.5"
    terminal: true
`
	g, err := LoadGraph(strings.NewReader(src))
	require.NoError(t, err)
	require.Equal(t, "a", g.Start())
	require.True(t, g.IsEdge("a", NodeLost))

	_, err = LoadGraph(strings.NewReader("start: a\nbogus: 1\n"))
	require.Error(t, err)
}

func TestGraph_ValidatePath(t *testing.T) {
	g := DefaultGraph()
	now := time.Now()

	good := []PathStep{
		{Kind: StepTrade, NodeID: "1", NextNodeID: "2W", Outcome: ResultWin, Timestamp: now},
		{Kind: StepTrade, NodeID: "2W", NextNodeID: "3M", Outcome: ResultLoss, Timestamp: now},
		{Kind: StepRollback, NodeID: "3M", NextNodeID: "3M", Timestamp: now},
		{Kind: StepTrade, NodeID: "3M", NextNodeID: "4W", Outcome: ResultWin, Timestamp: now},
	}
	require.NoError(t, g.ValidatePath(good))

	bad := []PathStep{
		{Kind: StepTrade, NodeID: "1", NextNodeID: "2W", Outcome: ResultWin},
		{Kind: StepTrade, NodeID: "3W", NextNodeID: NodeWin, Outcome: ResultWin},
	}
	err := g.ValidatePath(bad)
	var inv *InvariantError
	require.ErrorAs(t, err, &inv)
	require.Equal(t, "2W", inv.From)

	wrongEdge := []PathStep{{Kind: StepTrade, NodeID: "1", NextNodeID: "2L", Outcome: ResultWin}}
	require.ErrorAs(t, g.ValidatePath(wrongEdge), &inv)
}
