package outbox

const timingChangedSchema = `{
  "type": "object",
  "title": "TimingChanged",
  "properties": {
    "entity_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "session_id": {"type": "string"},
    "action": {"type": "string", "enum": ["start", "pause", "resume", "stop"]},
    "state": {"type": "string", "enum": ["not_started", "running", "paused", "stopped"]},
    "occurred_at": {"type": "string", "format": "date-time"},
    "time_start": {"type": "string", "format": "date-time"},
    "time_stop": {"type": "string", "format": "date-time"},
    "total_paused_seconds": {"type": "integer", "minimum": 0},
    "duration_seconds": {"type": "integer", "minimum": 0},
    "version": {"type": "integer"}
  },
  "required": ["entity_id", "tenant_id", "session_id", "action", "state", "occurred_at", "total_paused_seconds", "version"],
  "additionalProperties": false
}`

const smartEvaluatedSchema = `{
  "type": "object",
  "title": "SmartEvaluated",
  "properties": {
    "goal_id": {"type": "string"},
    "tenant_id": {"type": "string"},
    "is_smart": {"type": "boolean"},
    "measurable": {"type": "boolean"},
    "achievable": {"type": "boolean"},
    "relevant": {"type": "boolean"},
    "time_bound": {"type": "boolean"},
    "evaluated_at": {"type": "string", "format": "date-time"}
  },
  "required": ["goal_id", "tenant_id", "is_smart", "measurable", "achievable", "relevant", "time_bound", "evaluated_at"],
  "additionalProperties": false
}`
