package engine

import "github.com/dukex/procflow/pkg/models"

// Decision is what a node handler tells the step loop to do next.
// The set of decisions is closed.
type Decision interface {
	decision()
}

// Goto follows one edge out of the current node.
type Goto struct {
	Edge *models.Edge
}

// Suspend stops the loop until an action resumes the position.
type Suspend struct{}

// Fork starts one branch per edge.
type Fork struct {
	Edges []*models.Edge
}

// Arrive settles the current branch on the merge barrier.
type Arrive struct{}

// Complete ends the instance successfully.
type Complete struct{}

// Fail ends the current branch, or the instance on the main path.
type Fail struct {
	Kind    models.ErrorKind
	Message string
	Details map[string]any
}

func (Goto) decision()     {}
func (Suspend) decision()  {}
func (Fork) decision()     {}
func (Arrive) decision()   {}
func (Complete) decision() {}
func (Fail) decision()     {}

// Position is a token of the instance: a node on the main path or inside a branch.
type Position struct {
	NodeID string
	Branch string
}

func (p Position) token() models.Token {
	return models.Token{NodeID: p.NodeID, Branch: p.Branch}
}
