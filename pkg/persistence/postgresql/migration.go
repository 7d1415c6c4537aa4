package postgresql

func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflows (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL,
				description TEXT NOT NULL DEFAULT '',
				status VARCHAR(50) NOT NULL CHECK (status IN ('draft', 'active', 'archived')),
				entry_step_id VARCHAR(255),
				settings JSONB NOT NULL DEFAULT '{}',
				steps JSONB NOT NULL DEFAULT '[]',
				connections JSONB NOT NULL DEFAULT '[]',
				owner VARCHAR(255),
				version INTEGER NOT NULL DEFAULT 1,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				activated_at TIMESTAMP WITH TIME ZONE,
				archived_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_workflows_status ON workflows(status);
			CREATE INDEX idx_workflows_created_at ON workflows(created_at);
		`,
		2: `
			CREATE TABLE enrollments (
				id VARCHAR(255) PRIMARY KEY,
				workflow_id VARCHAR(255) NOT NULL,
				contact_id VARCHAR(255) NOT NULL,
				current_step_id VARCHAR(255),
				status VARCHAR(50) NOT NULL CHECK (status IN ('active', 'paused', 'completed', 'exited')),
				metadata JSONB NOT NULL DEFAULT '{}',
				retry_count INTEGER NOT NULL DEFAULT 0,
				entered_at TIMESTAMP WITH TIME ZONE NOT NULL,
				step_entered_at TIMESTAMP WITH TIME ZONE NOT NULL,
				next_run_at TIMESTAMP WITH TIME ZONE,
				completed_at TIMESTAMP WITH TIME ZONE,
				exited_at TIMESTAMP WITH TIME ZONE,
				exit_reason VARCHAR(255),
				version INTEGER NOT NULL DEFAULT 1,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			-- At most one non-terminal enrollment per (workflow, contact)
			CREATE UNIQUE INDEX idx_enrollments_open_pair ON enrollments(workflow_id, contact_id)
				WHERE status IN ('active', 'paused');
			CREATE INDEX idx_enrollments_pair ON enrollments(workflow_id, contact_id);
			CREATE INDEX idx_enrollments_due ON enrollments(next_run_at) WHERE status = 'active';

			CREATE TABLE step_executions (
				seq BIGSERIAL PRIMARY KEY,
				id VARCHAR(255) NOT NULL UNIQUE,
				enrollment_id VARCHAR(255) NOT NULL,
				workflow_id VARCHAR(255) NOT NULL,
				step_id VARCHAR(255) NOT NULL,
				step_type VARCHAR(50) NOT NULL,
				outcome VARCHAR(50) NOT NULL,
				handle VARCHAR(255),
				output JSONB,
				error TEXT,
				attempt INTEGER NOT NULL DEFAULT 1,
				executed_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_step_executions_enrollment ON step_executions(enrollment_id, seq);
			CREATE INDEX idx_step_executions_visits ON step_executions(enrollment_id, step_id);
		`,
		3: `
			CREATE TABLE scoring_rules (
				id VARCHAR(255) PRIMARY KEY,
				name VARCHAR(255) NOT NULL DEFAULT '',
				event_type VARCHAR(255) NOT NULL,
				conditions JSONB,
				points INTEGER NOT NULL,
				expires_after_days INTEGER,
				max_occurrences INTEGER NOT NULL DEFAULT 0,
				active BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX idx_scoring_rules_event_type ON scoring_rules(event_type) WHERE active;

			CREATE TABLE score_history (
				id VARCHAR(255) PRIMARY KEY,
				contact_id VARCHAR(255) NOT NULL,
				rule_id VARCHAR(255) NOT NULL,
				event_type VARCHAR(255) NOT NULL,
				points INTEGER NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				expires_at TIMESTAMP WITH TIME ZONE
			);

			CREATE INDEX idx_score_history_contact ON score_history(contact_id, created_at);
			CREATE INDEX idx_score_history_rule ON score_history(rule_id, contact_id);
		`,
	}
}
