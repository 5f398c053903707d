package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Definitions and instances. Each row keeps the full JSON document next to the
			-- columns used for filtering.
			CREATE TABLE workflow_definitions (
				id TEXT PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				status VARCHAR(20) NOT NULL CHECK (status IN ('draft', 'published', 'archived')),
				owner VARCHAR(255),
				version INTEGER NOT NULL DEFAULT 1,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_definitions_status ON workflow_definitions(status);
			CREATE INDEX idx_workflow_definitions_owner ON workflow_definitions(owner);

			CREATE TABLE workflow_instances (
				id TEXT PRIMARY KEY,
				definition_id TEXT NOT NULL,
				status VARCHAR(30) NOT NULL,
				priority VARCHAR(20) NOT NULL DEFAULT 'normal',
				title TEXT NOT NULL DEFAULT '',
				initiated_by VARCHAR(255) NOT NULL DEFAULT '',
				assigned_to VARCHAR(255) NOT NULL DEFAULT '',
				participants TEXT[] NOT NULL DEFAULT '{}',
				context JSONB NOT NULL DEFAULT '{}',
				next_due_at TIMESTAMP WITH TIME ZONE,
				version BIGINT NOT NULL,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_workflow_instances_definition ON workflow_instances(definition_id);
			CREATE INDEX idx_workflow_instances_status ON workflow_instances(status);
			CREATE INDEX idx_workflow_instances_participants ON workflow_instances USING GIN (participants);
			CREATE INDEX idx_workflow_instances_next_due_at ON workflow_instances(next_due_at) WHERE next_due_at IS NOT NULL;
		`,
		2: `
			-- Approval query model, join barriers and statistics counters.
			CREATE TABLE approval_requests (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				status VARCHAR(20) NOT NULL,
				approvers TEXT[] NOT NULL DEFAULT '{}',
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_approval_requests_instance ON approval_requests(instance_id);
			CREATE INDEX idx_approval_requests_approvers ON approval_requests USING GIN (approvers);

			CREATE TABLE branch_joins (
				id TEXT PRIMARY KEY,
				instance_id TEXT NOT NULL,
				document JSONB NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_branch_joins_instance ON branch_joins(instance_id);

			CREATE TABLE definition_statistics (
				definition_id TEXT PRIMARY KEY,
				started BIGINT NOT NULL DEFAULT 0,
				completed BIGINT NOT NULL DEFAULT 0,
				failed BIGINT NOT NULL DEFAULT 0,
				cancelled BIGINT NOT NULL DEFAULT 0,
				timed_out BIGINT NOT NULL DEFAULT 0,
				total_duration_ms BIGINT NOT NULL DEFAULT 0
			);
		`,
	}
}
