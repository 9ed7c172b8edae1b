package postgres

// Schema expected by the store:
//
//	pipeline_configs    (id, application, name, disabled, created_at)
//	pipeline_triggers   (id, pipeline_config_id, type, enabled, cron_expression, position)
//	pipeline_executions (id, pipeline_config_id, start_time NULL, created_at)
//	delivery_attempts   (id, event_id, attempt, pipeline_config_id, trigger_id,
//	                     status_code, error, started_at, finished_at)

const queryListPipelines = `
SELECT
    p.id, p.application, p.name, p.disabled,
    t.id, t.type, t.enabled, t.cron_expression
FROM pipeline_configs p
LEFT JOIN pipeline_triggers t ON t.pipeline_config_id = p.id
ORDER BY p.application, p.name, p.id, t.position, t.id
`

const queryLatestExecutions = `
SELECT pipeline_config_id, start_time
FROM (
    SELECT
        pipeline_config_id,
        start_time,
        created_at,
        ROW_NUMBER() OVER (PARTITION BY pipeline_config_id ORDER BY created_at DESC) AS rn
    FROM pipeline_executions
    WHERE pipeline_config_id = ANY($1)
) ranked
WHERE rn <= $2
ORDER BY pipeline_config_id, created_at DESC
`

const queryInsertDeliveryAttempt = `
INSERT INTO delivery_attempts (id, event_id, attempt, pipeline_config_id, trigger_id, status_code, error, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`
