package models

// UserProfile is the non-sensitive view of a user exposed to tools.
// Credentials and tokens live elsewhere and never appear here.
type UserProfile struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	Permissions UserPermissions `json:"permissions"`
}

// UserPermissions are the integration flags the LLM may reason about.
type UserPermissions struct {
	CanSendEmail bool `json:"can_send_email"`
	HasCalendar  bool `json:"has_calendar"`
	HasCRM       bool `json:"has_crm"`
}
