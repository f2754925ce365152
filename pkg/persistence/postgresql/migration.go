package postgresql

// Entity tables (contacts, deals, ...) belong to the CRUD layer and are not
// created here. Actions expect them to carry id, account_id, metadata JSONB and
// updated_at columns.
func migrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE workflow_actions (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				workflow_def_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				trigger_type TEXT NOT NULL CHECK (trigger_type IN ('on_enter_stage', 'on_exit_stage', 'on_transition', 'custom')),
				trigger_ref_id TEXT,
				action_type TEXT NOT NULL,
				action_config JSONB NOT NULL DEFAULT '{}',
				conditions JSONB NOT NULL DEFAULT '[]',
				position INTEGER NOT NULL DEFAULT 0,
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_workflow_actions_lookup ON workflow_actions(account_id, workflow_def_id, trigger_type) WHERE enabled;

			CREATE TABLE automation_rules (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				trigger_event TEXT NOT NULL,
				action_type TEXT NOT NULL,
				action_config JSONB NOT NULL DEFAULT '{}',
				conditions JSONB NOT NULL DEFAULT '[]',
				position INTEGER NOT NULL DEFAULT 0,
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_automation_rules_event ON automation_rules(account_id, trigger_event) WHERE enabled;

			CREATE TABLE extensions (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				slug TEXT NOT NULL,
				handler_url TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				UNIQUE (account_id, slug)
			);

			CREATE TABLE scheduled_triggers (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				name TEXT NOT NULL DEFAULT '',
				trigger_type TEXT NOT NULL CHECK (trigger_type IN ('one_time', 'recurring', 'countdown')),
				fire_at TIMESTAMP WITH TIME ZONE,
				cron_expression TEXT NOT NULL DEFAULT '',
				next_fire_at TIMESTAMP WITH TIME ZONE,
				delay_seconds INTEGER NOT NULL DEFAULT 0,
				delay_event TEXT NOT NULL DEFAULT '',
				action_type TEXT NOT NULL,
				action_config JSONB NOT NULL DEFAULT '{}',
				context JSONB NOT NULL DEFAULT '{}',
				fire_count INTEGER NOT NULL DEFAULT 0,
				last_fired_at TIMESTAMP WITH TIME ZONE,
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_scheduled_triggers_one_time ON scheduled_triggers(fire_at) WHERE trigger_type = 'one_time' AND enabled AND fire_count = 0;
			CREATE INDEX idx_scheduled_triggers_recurring ON scheduled_triggers(next_fire_at) WHERE trigger_type = 'recurring' AND enabled;
			CREATE INDEX idx_scheduled_triggers_countdown ON scheduled_triggers(account_id, delay_event) WHERE trigger_type = 'countdown' AND enabled;

			CREATE TABLE scheduled_trigger_instances (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				trigger_id TEXT REFERENCES scheduled_triggers(id) ON DELETE CASCADE,
				fire_at TIMESTAMP WITH TIME ZONE NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('pending', 'fired', 'failed', 'cancelled')),
				context JSONB NOT NULL DEFAULT '{}',
				action_type TEXT,
				action_config JSONB,
				result JSONB,
				fired_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_trigger_instances_due ON scheduled_trigger_instances(fire_at) WHERE status = 'pending';

			CREATE TABLE outbox_events (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				entity_type TEXT NOT NULL DEFAULT '',
				entity_id TEXT NOT NULL DEFAULT '',
				payload JSONB NOT NULL DEFAULT '{}',
				processed BOOLEAN NOT NULL DEFAULT false,
				processed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_outbox_events_unprocessed ON outbox_events(created_at) WHERE NOT processed;

			CREATE TABLE webhook_subscriptions (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				url TEXT NOT NULL,
				secret TEXT NOT NULL,
				event_types TEXT[] NOT NULL DEFAULT '{}',
				enabled BOOLEAN NOT NULL DEFAULT true,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_webhook_subscriptions_account ON webhook_subscriptions(account_id) WHERE enabled;

			CREATE TABLE webhook_deliveries (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				subscription_id TEXT NOT NULL,
				outbox_event_id TEXT NOT NULL REFERENCES outbox_events(id) ON DELETE CASCADE,
				event_type TEXT NOT NULL,
				status TEXT NOT NULL CHECK (status IN ('pending', 'success', 'failed', 'dead_letter')),
				attempts INTEGER NOT NULL DEFAULT 0 CHECK (attempts <= 5),
				next_attempt_at TIMESTAMP WITH TIME ZONE,
				last_error TEXT NOT NULL DEFAULT '',
				last_status_code INTEGER NOT NULL DEFAULT 0,
				completed_at TIMESTAMP WITH TIME ZONE,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_webhook_deliveries_due ON webhook_deliveries(next_attempt_at) WHERE status IN ('pending', 'failed');
			CREATE INDEX idx_webhook_deliveries_account ON webhook_deliveries(account_id, status);

			CREATE TABLE activities (
				id TEXT PRIMARY KEY,
				account_id TEXT NOT NULL,
				kind TEXT NOT NULL,
				entity_type TEXT NOT NULL DEFAULT '',
				entity_id TEXT NOT NULL DEFAULT '',
				summary TEXT NOT NULL,
				details JSONB,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			);

			CREATE INDEX idx_activities_account ON activities(account_id, created_at);
		`,
	}
}
