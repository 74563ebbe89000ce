package server

// createTaskRequest is the intake payload for POST /api/tasks.
type createTaskRequest struct {
	TaskType       string `json:"task_type" validate:"omitempty,oneof=feature bug refactor chore"`
	Description    string `json:"description" validate:"required"`
	RepoURL        string `json:"repo_url" validate:"required,url"`
	BranchName     string `json:"branch_name" validate:"omitempty,max=200"`
	BaseBranch     string `json:"base_branch" validate:"omitempty,max=200"`
	Model          string `json:"model" validate:"omitempty,max=100"`
	MaxFixAttempts int    `json:"max_fix_attempts" validate:"omitempty,min=1,max=20"`
}

// answersRequest carries answers for a pending question batch, keyed by
// question ID.
type answersRequest struct {
	Answers map[string]string `json:"answers" validate:"required,min=1"`
}

// planRequest resolves a plan review.
type planRequest struct {
	Action   string `json:"action" validate:"required,oneof=approve revise cancel"`
	Feedback string `json:"feedback"`
}

// respondRequest is the free-form response body for a queue item. The
// coordinator validates the shape against the item's kind.
type respondRequest struct {
	Response map[string]any `json:"response" validate:"required"`
}
