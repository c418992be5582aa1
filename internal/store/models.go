package store

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Site struct {
	ID               string
	OwnerID          string
	Name             string
	Slug             string
	Description      string
	Domain           string
	Status           string
	TemplateID       string
	Settings         json.RawMessage
	PublishedVersion int
	PublishedHash    string
	PublishedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type Component struct {
	ID        string
	SiteID    string
	Page      string
	Type      string
	Name      string
	Props     json.RawMessage
	Position  int
	Version   int
	UpdatedBy string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ComponentBlueprint is the template-side shape of a component.
type ComponentBlueprint struct {
	Page  string          `json:"page"`
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	Props json.RawMessage `json:"props,omitempty"`
}

type Template struct {
	ID           string
	Name         string
	Category     string
	Description  string
	ThumbnailURL string
	Blueprints   []ComponentBlueprint
	IsPublic     bool
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Workflow struct {
	ID            string
	SiteID        string
	Name          string
	Description   string
	Definition    json.RawMessage
	TriggerType   string
	TriggerConfig json.RawMessage
	Active        bool
	NextRunAt     *time.Time
	LastRunAt     *time.Time
	CreatedBy     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type WorkflowExecution struct {
	ID          string
	WorkflowID  string
	Status      string
	TriggerType string
	Input       json.RawMessage
	Output      json.RawMessage
	NodeResults json.RawMessage
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

type Contact struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	Company    string
	Tags       []string
	Status     string
	LeadScore  int
	Opens      int
	Clicks     int
	Attributes json.RawMessage
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ContactFilter struct {
	Tag    string
	Status string
	Limit  int
}

type EmailCampaign struct {
	ID          string
	Name        string
	Subject     string
	Body        string
	SegmentTag  string
	Status      string
	ScheduledAt *time.Time
	SentAt      *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type CampaignMessage struct {
	ID         string
	CampaignID string
	ContactID  string
	Email      string
	Status     string
	Error      string
	Opens      int
	Clicks     int
	SentAt     *time.Time
	OpenedAt   *time.Time
	ClickedAt  *time.Time
	CreatedAt  time.Time
}

type CampaignStats struct {
	Recipients int     `json:"recipients"`
	Queued     int     `json:"queued"`
	Sent       int     `json:"sent"`
	Failed     int     `json:"failed"`
	Opened     int     `json:"opened"`
	Clicked    int     `json:"clicked"`
	OpenRate   float64 `json:"openRate"`
	ClickRate  float64 `json:"clickRate"`
}

type SLAViolation struct {
	ID              string
	SiteID          string
	Metric          string
	Threshold       float64
	Observed        float64
	Severity        string
	Status          string
	EscalationLevel int
	RootCause       string
	Confidence      float64
	Evidence        json.RawMessage
	Details         json.RawMessage
	Resolution      string
	DetectedAt      time.Time
	UpdatedAt       time.Time
	EscalatedAt     *time.Time
	ResolvedAt      *time.Time
}

type RemediationAttempt struct {
	ID          string
	ViolationID string
	Strategy    string
	Status      string
	Actions     json.RawMessage
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
}

type ABTest struct {
	ID              string
	SiteID          string
	Name            string
	Goal            string
	Status          string
	WinnerVariantID string
	CreatedBy       string
	Variants        []ABVariant
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

type ABVariant struct {
	ID       string
	TestID   string
	Name     string
	Weight   int
	Content  json.RawMessage
	Position int
}

type ABVariantStats struct {
	VariantID   string
	Exposures   int
	Conversions int
}

type CollaborationRoom struct {
	ID             string
	SiteID         string
	Page           string
	CreatedAt      time.Time
	LastActivityAt time.Time
}

type ChatMessage struct {
	ID        string
	RoomID    string
	UserID    string
	UserName  string
	Body      string
	CreatedAt time.Time
}

type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
	Added     int
	Removed   int
}
