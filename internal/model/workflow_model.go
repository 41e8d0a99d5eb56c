package model

import "time"

// Workflow is a generated n8n workflow definition. The server owns the schema;
// the client treats it as an opaque JSON object.
type Workflow map[string]interface{}

// WorkflowTemplate mirrors the /api/templates payload.
type WorkflowTemplate struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Workflow    Workflow `json:"workflow"`
	UsageCount  int      `json:"usage_count"`
}

// HealthStatus mirrors the /api/health payload.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}
