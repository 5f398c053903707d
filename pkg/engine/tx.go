package engine

import (
	"context"
	"slices"
	"time"

	"github.com/dukex/procflow/pkg/eventbus"
	"github.com/dukex/procflow/pkg/models"
)

type phase int

const (
	phaseNotify phase = iota
	phaseCleanup
	phaseEvents
)

type effect struct {
	phase phase
	name  string
	run   func(ctx context.Context) error
}

// Tx is one engine invocation over an in-memory copy of an instance. Nothing it
// does is visible until the instance write commits; effects run after that.
type Tx struct {
	Definition *models.WorkflowDefinition
	Instance   *models.WorkflowInstance
	Actor      string
	Now        time.Time

	created    bool
	baseSeq    int
	baseStatus models.InstanceStatus
	version    int64
	steps      int
	effects    []effect
	branches   []BranchTask
	gates      []string
}

func newTx(def *models.WorkflowDefinition, instance *models.WorkflowInstance, actor string, now time.Time) *Tx {
	return &Tx{
		Definition: def,
		Instance:   instance,
		Actor:      actor,
		Now:        now,
		baseSeq:    len(instance.History),
		baseStatus: instance.Status,
		version:    instance.Version,
	}
}

// Record appends an entry stamped with the transaction time and actor.
func (tx *Tx) Record(entry models.HistoryEntry) models.HistoryEntry {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = tx.Now
	}

	if entry.Actor == "" {
		entry.Actor = tx.Actor
	}

	return tx.Instance.Record(entry)
}

// annotate merges details into the most recent entry.
func (tx *Tx) annotate(details map[string]any) {
	last := len(tx.Instance.History) - 1
	if last < tx.baseSeq || last < 0 {
		return
	}

	entry := &tx.Instance.History[last]
	if entry.Details == nil {
		entry.Details = make(map[string]any, len(details))
	}

	for key, value := range details {
		entry.Details[key] = value
	}
}

// wait records the due time of a task on the entry that moved the token onto it.
func (tx *Tx) wait(wait models.TaskWait) {
	last := len(tx.Instance.History) - 1
	if last < tx.baseSeq || last < 0 {
		return
	}

	tx.Instance.History[last].Wait = &wait
	tx.Instance.AddWait(wait)
}

// Entries returns what this transaction appended.
func (tx *Tx) Entries() []models.HistoryEntry {
	return slices.Clone(tx.Instance.History[tx.baseSeq:])
}

// Finished reports whether this transaction moved the instance to a terminal status.
func (tx *Tx) Finished() bool {
	return tx.Instance.Status.IsTerminal() && !tx.baseStatus.IsTerminal()
}

func (tx *Tx) after(p phase, name string, run func(ctx context.Context) error) {
	tx.effects = append(tx.effects, effect{phase: p, name: name, run: run})
}

func (tx *Tx) publish(publisher eventbus.EventPublisher, event eventbus.Event) {
	if publisher == nil {
		return
	}

	tx.after(phaseEvents, string(event.GetType()), func(ctx context.Context) error {
		return publisher.Publish(ctx, tx.Instance.ID, event)
	})
}

func (tx *Tx) touchGate(nodeID string) {
	if !slices.Contains(tx.gates, nodeID) {
		tx.gates = append(tx.gates, nodeID)
	}
}

func (tx *Tx) step() int {
	tx.steps++

	return tx.steps
}
