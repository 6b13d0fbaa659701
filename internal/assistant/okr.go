package assistant

import (
	"context"
	"time"
)

// Objective is one OKR objective with its key results.
type Objective struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Owner      string      `json:"owner,omitempty"`
	Quarter    string      `json:"quarter,omitempty"`
	Progress   float64     `json:"progress"` // 0..1, mean of key result progress
	KeyResults []KeyResult `json:"keyResults,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
}

// KeyResult is one measurable outcome under an objective.
type KeyResult struct {
	ID          string  `json:"id"`
	ObjectiveID string  `json:"objectiveId"`
	Title       string  `json:"title"`
	Progress    float64 `json:"progress"` // 0..1
}

// Dashboard is the aggregate OKR view.
type Dashboard struct {
	Objectives      []Objective `json:"objectives"`
	AverageProgress float64     `json:"averageProgress"`
}

// OKRService is the OKR collaborator boundary.
type OKRService interface {
	DashboardData(ctx context.Context) (Dashboard, error)
	CreateOKR(ctx context.Context, title, owner, quarter string, keyResults []string) (Objective, error)
	UpdateProgress(ctx context.Context, keyResultID string, progress float64) (Objective, error)
}
