// Package authz decides which actor may do what to definitions and instances.
package authz

import (
	"github.com/dukex/procflow/pkg/models"
)

// Capability names an operation guarded by the authorizer.
type Capability string

const (
	CreateDefinition  Capability = "definition:create"
	ViewDefinition    Capability = "definition:view"
	EditDefinition    Capability = "definition:edit"
	PublishDefinition Capability = "definition:publish"
	ArchiveDefinition Capability = "definition:archive"
	DeleteDefinition  Capability = "definition:delete"

	StartInstance  Capability = "instance:start"
	ViewInstance   Capability = "instance:view"
	ManageAll      Capability = "instance:manage_all"
	RespondTo      Capability = "instance:respond"
	CompleteTask   Capability = "instance:complete"
	SkipTask       Capability = "instance:skip"
	Reassign       Capability = "instance:reassign"
	CancelInstance Capability = "instance:cancel"
)

// Roles with built-in meaning.
const (
	RoleAdmin           = "admin"
	RoleWorkflowManager = "workflow_manager"
)

// Resource is what a capability is checked against. Instance checks carry the
// definition the instance runs; NodeID names the node an action targets.
type Resource struct {
	Definition *models.WorkflowDefinition
	Instance   *models.WorkflowInstance
	NodeID     string
}

// Authorizer is the single capability check used by the services.
type Authorizer interface {
	Can(actor models.Actor, capability Capability, resource Resource) bool
}

// Policy is the default Authorizer: admins may do anything, workflow managers and
// the Manage list of a definition manage its instances, and the remaining
// permission lists of the definition apply as documented on models.Permissions.
// Actors without an id may do nothing.
type Policy struct{}

func NewPolicy() *Policy {
	return &Policy{}
}

func (p *Policy) Can(actor models.Actor, capability Capability, resource Resource) bool {
	if actor.ID == "" {
		return false
	}

	if actor.HasRole(RoleAdmin) {
		return true
	}

	def := resource.Definition
	instance := resource.Instance

	switch capability {
	case CreateDefinition:
		return true
	case ViewDefinition:
		return def != nil && (isOwner(actor, def) || manages(actor, def) || len(def.Permissions.View) == 0 ||
			actor.Matches(def.Permissions.View) || actor.Matches(def.Permissions.Edit))
	case EditDefinition:
		return def != nil && (isOwner(actor, def) || manages(actor, def) || actor.Matches(def.Permissions.Edit))
	case PublishDefinition, ArchiveDefinition, DeleteDefinition:
		return def != nil && (isOwner(actor, def) || manages(actor, def))
	case StartInstance:
		return def != nil && (len(def.Permissions.Start) == 0 || actor.Matches(def.Permissions.Start) || manages(actor, def))
	case ManageAll:
		return manages(actor, def)
	case ViewInstance:
		return instance != nil && (manages(actor, def) || instance.IsParticipant(actor.ID))
	case RespondTo:
		return instance != nil && isApprover(actor, instance, resource.NodeID)
	case CompleteTask:
		return instance != nil && (manages(actor, def) || isAssignee(actor, def, instance, resource.NodeID))
	case SkipTask:
		return manages(actor, def)
	case Reassign:
		return instance != nil && (manages(actor, def) || isAssignee(actor, def, instance, resource.NodeID) ||
			isApprover(actor, instance, resource.NodeID))
	case CancelInstance:
		return instance != nil && (instance.InitiatedBy == actor.ID || manages(actor, def))
	default:
		return false
	}
}

func isOwner(actor models.Actor, def *models.WorkflowDefinition) bool {
	return def.Owner != "" && def.Owner == actor.ID
}

func manages(actor models.Actor, def *models.WorkflowDefinition) bool {
	if actor.HasRole(RoleAdmin) || actor.HasRole(RoleWorkflowManager) {
		return true
	}

	return def != nil && actor.Matches(def.Permissions.Manage)
}

func isApprover(actor models.Actor, instance *models.WorkflowInstance, nodeID string) bool {
	gate := instance.Approvals[nodeID]

	return gate != nil && gate.IsEligible(actor.ID)
}

// isAssignee matches the task node assignee or the instance assignee. With
// neither set the initiator is the assignee.
func isAssignee(actor models.Actor, def *models.WorkflowDefinition, instance *models.WorkflowInstance, nodeID string) bool {
	nodeAssignee := ""

	if def != nil {
		if node := def.NodeByID(nodeID); node != nil && node.Kind == models.NodeKindTask {
			if cfg, err := node.TaskConfig(); err == nil {
				nodeAssignee = cfg.Assignee
			}
		}
	}

	if nodeAssignee != "" && actor.Matches([]string{nodeAssignee}) {
		return true
	}

	if instance.AssignedTo != "" {
		return instance.AssignedTo == actor.ID
	}

	return nodeAssignee == "" && instance.InitiatedBy == actor.ID
}
