package model

type Organization struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type OnboardingStatus struct {
	NeedsOnboarding bool `json:"needsOnboarding"`
}

// Project is the unit SDKs report into. OrganizationID routes its notifications.
type Project struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name"`
}
