package domain

import "time"

// Project is a released delivery of an approved session.
type Project struct {
	ID          string            `json:"id"`
	SessionID   string            `json:"session_id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	OutputPath  string            `json:"output_path"`
	TechStack   map[string]string `json:"tech_stack"`
	CreatedAt   time.Time         `json:"created_at"`
}
