package main

import (
	"time"

	"collabflow/engagement"
	"collabflow/identity"
)

type errorResponse struct {
	Error string `json:"error"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Role      string `json:"role"`
	CreatedAt string `json:"created_at"`
}

func userResponseFrom(u identity.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		FullName:  u.FullName,
		Role:      string(u.Role),
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
}

type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

type engagementResponse struct {
	ID            string                 `json:"id"`
	InitiatorID   string                 `json:"initiator_id"`
	CounterpartID string                 `json:"counterpart_id"`
	InitiatorRole string                 `json:"initiator_role"`
	Status        string                 `json:"status"`
	Message       string                 `json:"message"`
	ActionType    string                 `json:"action_type"`
	TargetDate    time.Time              `json:"target_date"`
	Budget        float64                `json:"budget"`
	Milestones    []engagement.Milestone `json:"milestones,omitempty"`
	Location      string                 `json:"location,omitempty"`
	Deliverables  string                 `json:"deliverables,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

func engagementResponseFrom(e engagement.Engagement) engagementResponse {
	return engagementResponse{
		ID:            e.ID,
		InitiatorID:   e.InitiatorID,
		CounterpartID: e.CounterpartID,
		InitiatorRole: string(e.InitiatorRole),
		Status:        string(e.Status),
		Message:       e.Message,
		ActionType:    e.ActionType,
		TargetDate:    e.TargetDate,
		Budget:        e.Budget,
		Milestones:    e.Milestones,
		Location:      e.Location,
		Deliverables:  e.Deliverables,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
}

type listResponse struct {
	Items []engagementResponse `json:"items"`
	Total int                  `json:"total"`
}

type contractResponse struct {
	ID                    string     `json:"id"`
	EngagementID          string     `json:"engagement_id"`
	TermsURL              string     `json:"terms_url"`
	SignedByInitiatorAt   *time.Time `json:"signed_by_initiator_at,omitempty"`
	SignedByCounterpartAt *time.Time `json:"signed_by_counterpart_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
}

func contractResponseFrom(c engagement.Contract) contractResponse {
	return contractResponse{
		ID:                    c.ID,
		EngagementID:          c.EngagementID,
		TermsURL:              c.TermsURL,
		SignedByInitiatorAt:   c.SignedByInitiatorAt,
		SignedByCounterpartAt: c.SignedByCounterpartAt,
		CreatedAt:             c.CreatedAt,
	}
}

type signResponse struct {
	Contract   contractResponse   `json:"contract"`
	Engagement engagementResponse `json:"engagement"`
	Activated  bool               `json:"activated"`
}

type scheduleItemResponse struct {
	ID           string     `json:"id"`
	EngagementID string     `json:"engagement_id"`
	Title        string     `json:"title"`
	DueDate      time.Time  `json:"due_date"`
	DoneAt       *time.Time `json:"done_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func scheduleItemResponseFrom(item engagement.ScheduleItem) scheduleItemResponse {
	return scheduleItemResponse{
		ID:           item.ID,
		EngagementID: item.EngagementID,
		Title:        item.Title,
		DueDate:      item.DueDate,
		DoneAt:       item.DoneAt,
		CreatedAt:    item.CreatedAt,
	}
}

type aggregateResponse struct {
	Engagement engagementResponse     `json:"engagement"`
	Contract   *contractResponse      `json:"contract,omitempty"`
	Schedule   []scheduleItemResponse `json:"schedule,omitempty"`
}

type uploadResponse struct {
	URL string `json:"url"`
}
