package models

import "time"

// Instruction is a persistent, user-authored automation rule.
type Instruction struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	TriggerConditions string    `json:"trigger_conditions,omitempty"`
	Actions           string    `json:"actions,omitempty"`
	AIPrompt          string    `json:"ai_prompt,omitempty"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}
