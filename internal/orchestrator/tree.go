package orchestrator

import (
	"sort"

	"agentmesh/internal/agent"
)

// =============================================================================
// HIERARCHY VIEW
// =============================================================================

// TreeNode is one agent in the hierarchy view.
type TreeNode struct {
	ID           string       `json:"id"`
	Type         string       `json:"type"`
	Status       agent.Status `json:"status"`
	Capabilities []string     `json:"capabilities"`
	Children     []*TreeNode  `json:"children"`
}

// Tree renders the hierarchy below a root. An empty root id renders the
// whole forest under a synthetic root node.
func (o *Orchestrator) Tree(rootID string) *TreeNode {
	if rootID != "" {
		a, ok := o.registry.Get(rootID)
		if !ok {
			return nil
		}
		return o.node(a)
	}

	forest := &TreeNode{ID: "", Type: "root", Children: []*TreeNode{}}
	var roots []agent.Agent
	for _, a := range o.registry.ListAll() {
		if a.ParentID() == "" {
			roots = append(roots, a)
		}
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].ID() < roots[j].ID() })
	for _, a := range roots {
		forest.Children = append(forest.Children, o.node(a))
	}
	return forest
}

func (o *Orchestrator) node(a agent.Agent) *TreeNode {
	n := &TreeNode{
		ID:           a.ID(),
		Type:         a.Type(),
		Status:       a.Status(),
		Capabilities: []string{},
		Children:     []*TreeNode{},
	}
	for _, c := range a.Capabilities() {
		n.Capabilities = append(n.Capabilities, string(c))
	}

	children := o.registry.Children(a.ID())
	sort.Slice(children, func(i, j int) bool { return children[i].ID() < children[j].ID() })
	for _, child := range children {
		n.Children = append(n.Children, o.node(child))
	}
	return n
}
