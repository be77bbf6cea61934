package domain

import (
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Terminal node identifiers.
const (
	NodeWin  = "WIN"
	NodeLost = "LOST"
)

// Result is the binary outcome of a resolved trade.
type Result string

const (
	ResultWin  Result = "win"
	ResultLoss Result = "loss"
)

// Valid reports whether r is win or loss.
func (r Result) Valid() bool {
	return r == ResultWin || r == ResultLoss
}

// DecisionNode is one state of the staged betting ladder.
// For terminal nodes StakePercent holds the final P/L marker of the ladder.
type DecisionNode struct {
	ID           string          `json:"id"`
	StakePercent decimal.Decimal `json:"stake_percentage"`
	Win          string          `json:"win_edge,omitempty"`
	Loss         string          `json:"loss_edge,omitempty"`
	Terminal     bool            `json:"is_terminal"`
}

// Edge returns the target of the win or loss edge, "" when undefined.
func (n DecisionNode) Edge(r Result) string {
	switch r {
	case ResultWin:
		return n.Win
	case ResultLoss:
		return n.Loss
	default:
		return ""
	}
}

// Graph is the immutable decision table. It is safe for concurrent reads.
type Graph struct {
	start string
	nodes map[string]DecisionNode
	order []string
}

// NewGraph builds and validates a graph.
func NewGraph(start string, nodes []DecisionNode) (*Graph, error) {
	g := &Graph{
		start: start,
		nodes: make(map[string]DecisionNode, len(nodes)),
		order: make([]string, 0, len(nodes)),
	}
	for _, n := range nodes {
		if n.ID == "" {
			return nil, errors.New("graph node with empty id")
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, errors.Errorf("duplicate graph node %q", n.ID)
		}
		g.nodes[n.ID] = n
		g.order = append(g.order, n.ID)
	}

	if err := g.validate(); err != nil {
		return nil, err
	}

	return g, nil
}

func pct(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultGraph returns the built-in ladder.
func DefaultGraph() *Graph {
	g, err := NewGraph("1", []DecisionNode{
		{ID: "1", StakePercent: pct("0.65"), Win: "2W", Loss: "2L"},
		{ID: "2W", StakePercent: pct("0.65"), Win: "3W", Loss: "3M"},
		{ID: "3W", StakePercent: pct("0.70"), Win: NodeWin, Loss: "4M"},
		{ID: "2L", StakePercent: pct("1.00"), Win: "3M", Loss: "3L"},
		{ID: "3M", StakePercent: pct("1.00"), Win: "4W", Loss: "4L"},
		{ID: "3L", StakePercent: pct("1.66"), Win: "4M", Loss: NodeLost},
		{ID: "4M", StakePercent: pct("1.30"), Win: "4W", Loss: "4L"},
		{ID: "4W", StakePercent: pct("1.00"), Win: NodeWin, Loss: "4L"},
		{ID: "4L", StakePercent: pct("1.65"), Win: "5M", Loss: NodeLost},
		{ID: "5M", StakePercent: pct("1.00"), Win: NodeWin, Loss: NodeLost},
		{ID: NodeWin, StakePercent: pct("2.00"), Terminal: true},
		{ID: NodeLost, StakePercent: pct("-3.31"), Terminal: true},
	})
	if err != nil {
		panic(err)
	}
	return g
}

type graphFile struct {
	Start string `yaml:"start"`
	Nodes []struct {
		ID       string `yaml:"id"`
		Stake    string `yaml:"stake_percentage"`
		Win      string `yaml:"win"`
		Loss     string `yaml:"loss"`
		Terminal bool   `yaml:"terminal"`
	} `yaml:"nodes"`
}

// LoadGraph reads a graph table from YAML.
func LoadGraph(r io.Reader) (*Graph, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f graphFile
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "decode graph")
	}

	nodes := make([]DecisionNode, 0, len(f.Nodes))
	for _, n := range f.Nodes {
		stake, err := decimal.NewFromString(n.Stake)
		if err != nil {
			return nil, errors.Wrapf(err, "node %q stake_percentage", n.ID)
		}
		nodes = append(nodes, DecisionNode{
			ID:           n.ID,
			StakePercent: stake,
			Win:          n.Win,
			Loss:         n.Loss,
			Terminal:     n.Terminal,
		})
	}

	return NewGraph(f.Start, nodes)
}

func (g *Graph) validate() error {
	startNode, ok := g.nodes[g.start]
	if !ok {
		return errors.Errorf("start node %q not found", g.start)
	}
	if startNode.Terminal {
		return errors.New("start node must not be terminal")
	}

	var terminals []string
	for _, id := range g.order {
		n := g.nodes[id]
		if n.Terminal {
			if n.Win != "" || n.Loss != "" {
				return errors.Errorf("terminal node %q must not have edges", id)
			}
			terminals = append(terminals, id)
			continue
		}
		if n.StakePercent.LessThanOrEqual(decimal.Zero) {
			return errors.Errorf("node %q stake percentage must be positive", id)
		}
		for _, to := range []string{n.Win, n.Loss} {
			if to == "" {
				return errors.Errorf("non-terminal node %q has an undefined edge", id)
			}
			if _, ok := g.nodes[to]; !ok {
				return errors.Errorf("node %q points to unknown node %q", id, to)
			}
		}
	}

	sort.Strings(terminals)
	if len(terminals) != 2 || terminals[0] != NodeLost || terminals[1] != NodeWin {
		return errors.Errorf("graph must have exactly the terminals %s and %s, got %v", NodeWin, NodeLost, terminals)
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case grey:
			return errors.Errorf("graph has a cycle through %q", id)
		case black:
			return nil
		}
		color[id] = grey
		n := g.nodes[id]
		for _, to := range []string{n.Win, n.Loss} {
			if to == "" {
				continue
			}
			if err := visit(to); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	if err := visit(g.start); err != nil {
		return err
	}
	for _, id := range g.order {
		if color[id] != black {
			return errors.Errorf("node %q is unreachable from %q", id, g.start)
		}
	}

	return nil
}

// Start returns the entry node id.
func (g *Graph) Start() string { return g.start }

// Node looks up a node by id.
func (g *Graph) Node(id string) (DecisionNode, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns the table in declaration order.
func (g *Graph) Nodes() []DecisionNode {
	out := make([]DecisionNode, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// IsTerminal reports whether id is WIN or LOST.
func (g *Graph) IsTerminal(id string) bool {
	n, ok := g.nodes[id]
	return ok && n.Terminal
}

// Next follows the edge selected by r.
func (g *Graph) Next(id string, r Result) (string, error) {
	n, ok := g.nodes[id]
	if !ok {
		return "", errors.Wrapf(ErrEdgeUndefined, "unknown node %q", id)
	}
	if n.Terminal {
		return "", ErrSessionCompleted
	}
	to := n.Edge(r)
	if to == "" {
		return "", errors.Wrapf(ErrEdgeUndefined, "node %q has no %s edge", id, r)
	}
	return to, nil
}

// IsEdge reports whether to is a direct successor of from.
func (g *Graph) IsEdge(from, to string) bool {
	n, ok := g.nodes[from]
	if !ok || n.Terminal {
		return false
	}
	return to != "" && (n.Win == to || n.Loss == to)
}

// ValidatePath replays a path history from the start node. Trade steps must follow
// edges; rollback and confirmation entries reset the chain to their NextNodeID.
func (g *Graph) ValidatePath(steps []PathStep) error {
	cur := g.start
	for i, st := range steps {
		switch st.Kind {
		case StepTrade:
			if st.NodeID != cur {
				return &InvariantError{From: cur, To: st.NodeID, Reason: fmt.Sprintf("step %d starts at %s, expected %s", i, st.NodeID, cur)}
			}
			next, err := g.Next(cur, st.Outcome)
			if err != nil {
				return errors.Wrapf(err, "step %d", i)
			}
			if next != st.NextNodeID {
				return &InvariantError{From: cur, To: st.NextNodeID, Reason: fmt.Sprintf("step %d is not a %s edge", i, st.Outcome)}
			}
			cur = next
		case StepRollback, StepConfirmation:
			if _, ok := g.nodes[st.NextNodeID]; !ok {
				return &InvariantError{From: cur, To: st.NextNodeID, Reason: fmt.Sprintf("step %d resets to unknown node", i)}
			}
			cur = st.NextNodeID
		default:
			return errors.Errorf("step %d has unknown kind %q", i, st.Kind)
		}
	}
	return nil
}
