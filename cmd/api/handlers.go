package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"collabflow/blob"
	"collabflow/engagement"
	"collabflow/identity"
)

// EngagementService is the slice of the coordinator the HTTP layer uses.
type EngagementService interface {
	Propose(ctx context.Context, params engagement.ProposeParams) (engagement.Engagement, error)
	Respond(ctx context.Context, params engagement.RespondParams) (engagement.Engagement, error)
	Edit(ctx context.Context, params engagement.EditParams) (engagement.Engagement, error)
	Cancel(ctx context.Context, engagementID, callerID string) (engagement.Engagement, error)
	Finish(ctx context.Context, engagementID, callerID string) (engagement.Engagement, error)
	Get(ctx context.Context, engagementID, callerID string) (engagement.Aggregate, error)
	List(ctx context.Context, filters engagement.ListFilters) (engagement.ListResult, error)
	CreateContract(ctx context.Context, params engagement.CreateContractParams) (engagement.Contract, error)
	SignContract(ctx context.Context, params engagement.SignContractParams) (engagement.SignResult, error)
	DeleteContract(ctx context.Context, params engagement.DeleteContractParams) error
	CreateScheduleItem(ctx context.Context, params engagement.CreateScheduleItemParams) (engagement.ScheduleItem, error)
	UpdateScheduleItem(ctx context.Context, params engagement.UpdateScheduleItemParams) (engagement.ScheduleItem, error)
	CompleteScheduleItem(ctx context.Context, params engagement.CompleteScheduleItemParams) (engagement.ScheduleItem, error)
	DeleteScheduleItem(ctx context.Context, params engagement.DeleteScheduleItemParams) error
}

// IdentityService is the slice of the identity provider the HTTP layer uses.
type IdentityService interface {
	Register(ctx context.Context, req identity.RegisterRequest) (*identity.User, error)
	Login(ctx context.Context, req identity.LoginRequest) (identity.LoginResult, error)
	GetUserByID(ctx context.Context, userID string) (*identity.User, error)
	VerifyToken(token string) (string, identity.Role, error)
}

// Server routes HTTP requests to the domain services.
type Server struct {
	engagements EngagementService
	identities  IdentityService
	blobs       blob.Store
	logger      *slog.Logger
}

func NewServer(engagements EngagementService, identities IdentityService, blobs blob.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engagements: engagements,
		identities:  identities,
		blobs:       blobs,
		logger:      logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/register", s.handleRegister)
	mux.HandleFunc("POST /api/login", s.handleLogin)

	mux.HandleFunc("POST /api/engagements", s.authed(s.handlePropose))
	mux.HandleFunc("GET /api/engagements", s.authed(s.handleList))
	mux.HandleFunc("GET /api/engagements/{id}", s.authed(s.handleGet))
	mux.HandleFunc("PATCH /api/engagements/{id}", s.authed(s.handleEdit))
	mux.HandleFunc("POST /api/engagements/{id}/accept", s.authed(s.handleRespond(engagement.ActionAccept)))
	mux.HandleFunc("POST /api/engagements/{id}/reject", s.authed(s.handleRespond(engagement.ActionReject)))
	mux.HandleFunc("POST /api/engagements/{id}/cancel", s.authed(s.handleCancel))
	mux.HandleFunc("POST /api/engagements/{id}/finish", s.authed(s.handleFinish))

	mux.HandleFunc("POST /api/engagements/{id}/contract", s.authed(s.handleCreateContract))
	mux.HandleFunc("POST /api/engagements/{id}/contract/sign", s.authed(s.handleSignContract))
	mux.HandleFunc("DELETE /api/engagements/{id}/contract", s.authed(s.handleDeleteContract))

	mux.HandleFunc("POST /api/engagements/{id}/schedule", s.authed(s.handleCreateScheduleItem))
	mux.HandleFunc("PATCH /api/engagements/{id}/schedule/{itemID}", s.authed(s.handleUpdateScheduleItem))
	mux.HandleFunc("POST /api/engagements/{id}/schedule/{itemID}/complete", s.authed(s.handleCompleteScheduleItem))
	mux.HandleFunc("DELETE /api/engagements/{id}/schedule/{itemID}", s.authed(s.handleDeleteScheduleItem))

	mux.HandleFunc("POST /api/terms", s.authed(s.handleUploadTerms))

	return mux
}

type caller struct {
	ID   string
	Role identity.Role
}

type authedHandler func(w http.ResponseWriter, r *http.Request, c caller)

func (s *Server) authed(next authedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, role, err := s.identities.VerifyToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r, caller{ID: userID, Role: role})
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req identity.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	user, err := s.identities.Register(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrDuplicateEmail) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		if errors.Is(err, identity.ErrWeakPassword) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponseFrom(*user))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req identity.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.identities.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: result.Token,
		User:  userResponseFrom(result.User),
	})
}

type proposeRequest struct {
	CounterpartID string                 `json:"counterpart_id"`
	Message       string                 `json:"message"`
	ActionType    string                 `json:"action_type"`
	TargetDate    time.Time              `json:"target_date"`
	Budget        float64                `json:"budget"`
	Milestones    []engagement.Milestone `json:"milestones,omitempty"`
	Location      string                 `json:"location,omitempty"`
	Deliverables  string                 `json:"deliverables,omitempty"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request, c caller) {
	var req proposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	counterpart, err := s.identities.GetUserByID(r.Context(), req.CounterpartID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			writeError(w, http.StatusBadRequest, "unknown counterpart")
			return
		}
		s.serverError(w, r, err)
		return
	}

	created, err := s.engagements.Propose(r.Context(), engagement.ProposeParams{
		InitiatorID:     c.ID,
		InitiatorRole:   engagement.Role(c.Role),
		CounterpartID:   counterpart.ID,
		CounterpartRole: engagement.Role(counterpart.Role),
		Message:         req.Message,
		ActionType:      req.ActionType,
		TargetDate:      req.TargetDate,
		Budget:          req.Budget,
		Milestones:      req.Milestones,
		Location:        req.Location,
		Deliverables:    req.Deliverables,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, engagementResponseFrom(created))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, c caller) {
	query := r.URL.Query()
	page, _ := strconv.Atoi(query.Get("page"))
	pageSize, _ := strconv.Atoi(query.Get("page_size"))
	filters := engagement.ListFilters{
		CallerID: c.ID,
		Status:   engagement.Status(query.Get("status")),
		Page:     page,
		PageSize: pageSize,
	}
	result, err := s.engagements.List(r.Context(), filters)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	items := make([]engagementResponse, 0, len(result.Items))
	for _, e := range result.Items {
		items = append(items, engagementResponseFrom(e))
	}
	writeJSON(w, http.StatusOK, listResponse{Items: items, Total: result.Total})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, c caller) {
	agg, err := s.engagements.Get(r.Context(), r.PathValue("id"), c.ID)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	resp := aggregateResponse{Engagement: engagementResponseFrom(agg.Engagement)}
	if agg.Contract != nil {
		contract := contractResponseFrom(*agg.Contract)
		resp.Contract = &contract
	}
	for _, item := range agg.Schedule {
		resp.Schedule = append(resp.Schedule, scheduleItemResponseFrom(item))
	}
	writeJSON(w, http.StatusOK, resp)
}

type editRequest struct {
	Message      *string                 `json:"message,omitempty"`
	ActionType   *string                 `json:"action_type,omitempty"`
	TargetDate   *time.Time              `json:"target_date,omitempty"`
	Budget       *float64                `json:"budget,omitempty"`
	Milestones   *[]engagement.Milestone `json:"milestones,omitempty"`
	Location     *string                 `json:"location,omitempty"`
	Deliverables *string                 `json:"deliverables,omitempty"`
}

func (s *Server) handleEdit(w http.ResponseWriter, r *http.Request, c caller) {
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.engagements.Edit(r.Context(), engagement.EditParams{
		EngagementID: r.PathValue("id"),
		CallerID:     c.ID,
		Message:      req.Message,
		ActionType:   req.ActionType,
		TargetDate:   req.TargetDate,
		Budget:       req.Budget,
		Milestones:   req.Milestones,
		Location:     req.Location,
		Deliverables: req.Deliverables,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, engagementResponseFrom(updated))
}

func (s *Server) handleRespond(action engagement.Action) authedHandler {
	return func(w http.ResponseWriter, r *http.Request, c caller) {
		updated, err := s.engagements.Respond(r.Context(), engagement.RespondParams{
			EngagementID: r.PathValue("id"),
			CallerID:     c.ID,
			Action:       action,
		})
		if err != nil {
			s.domainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, engagementResponseFrom(updated))
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, c caller) {
	updated, err := s.engagements.Cancel(r.Context(), r.PathValue("id"), c.ID)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, engagementResponseFrom(updated))
}

func (s *Server) handleFinish(w http.ResponseWriter, r *http.Request, c caller) {
	updated, err := s.engagements.Finish(r.Context(), r.PathValue("id"), c.ID)
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, engagementResponseFrom(updated))
}

type createContractRequest struct {
	TermsURL string `json:"terms_url"`
}

func (s *Server) handleCreateContract(w http.ResponseWriter, r *http.Request, c caller) {
	var req createContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.engagements.CreateContract(r.Context(), engagement.CreateContractParams{
		EngagementID: r.PathValue("id"),
		CallerID:     c.ID,
		TermsURL:     req.TermsURL,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contractResponseFrom(created))
}

type signContractRequest struct {
	AsInitiator bool `json:"as_initiator"`
}

func (s *Server) handleSignContract(w http.ResponseWriter, r *http.Request, c caller) {
	var req signContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.engagements.SignContract(r.Context(), engagement.SignContractParams{
		EngagementID: r.PathValue("id"),
		CallerID:     c.ID,
		AsInitiator:  req.AsInitiator,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, signResponse{
		Contract:   contractResponseFrom(result.Contract),
		Engagement: engagementResponseFrom(result.Engagement),
		Activated:  result.Activated,
	})
}

func (s *Server) handleDeleteContract(w http.ResponseWriter, r *http.Request, c caller) {
	err := s.engagements.DeleteContract(r.Context(), engagement.DeleteContractParams{
		EngagementID: r.PathValue("id"),
		CallerID:     c.ID,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type createScheduleItemRequest struct {
	Title   string    `json:"title"`
	DueDate time.Time `json:"due_date"`
}

func (s *Server) handleCreateScheduleItem(w http.ResponseWriter, r *http.Request, c caller) {
	var req createScheduleItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.engagements.CreateScheduleItem(r.Context(), engagement.CreateScheduleItemParams{
		EngagementID: r.PathValue("id"),
		CallerID:     c.ID,
		Title:        req.Title,
		DueDate:      req.DueDate,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleItemResponseFrom(created))
}

type updateScheduleItemRequest struct {
	Title   *string    `json:"title,omitempty"`
	DueDate *time.Time `json:"due_date,omitempty"`
}

func (s *Server) handleUpdateScheduleItem(w http.ResponseWriter, r *http.Request, c caller) {
	var req updateScheduleItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	updated, err := s.engagements.UpdateScheduleItem(r.Context(), engagement.UpdateScheduleItemParams{
		EngagementID: r.PathValue("id"),
		ItemID:       r.PathValue("itemID"),
		CallerID:     c.ID,
		Title:        req.Title,
		DueDate:      req.DueDate,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleItemResponseFrom(updated))
}

func (s *Server) handleCompleteScheduleItem(w http.ResponseWriter, r *http.Request, c caller) {
	updated, err := s.engagements.CompleteScheduleItem(r.Context(), engagement.CompleteScheduleItemParams{
		EngagementID: r.PathValue("id"),
		ItemID:       r.PathValue("itemID"),
		CallerID:     c.ID,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleItemResponseFrom(updated))
}

func (s *Server) handleDeleteScheduleItem(w http.ResponseWriter, r *http.Request, c caller) {
	err := s.engagements.DeleteScheduleItem(r.Context(), engagement.DeleteScheduleItemParams{
		EngagementID: r.PathValue("id"),
		ItemID:       r.PathValue("itemID"),
		CallerID:     c.ID,
	})
	if err != nil {
		s.domainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

const maxTermsUploadBytes = 10 << 20

func (s *Server) handleUploadTerms(w http.ResponseWriter, r *http.Request, c caller) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTermsUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "document too large")
		return
	}
	url, err := s.blobs.Put(r.Context(), data, r.Header.Get("Content-Type"))
	if err != nil {
		if len(data) == 0 {
			writeError(w, http.StatusBadRequest, "empty document")
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, uploadResponse{URL: url})
}

// domainError maps coordinator error kinds onto transport codes. The mapping
// lives only here; the domain packages never see HTTP.
func (s *Server) domainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, engagement.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, engagement.ErrNotAuthorized):
		writeError(w, http.StatusForbidden, "not authorized")
	case errors.Is(err, engagement.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid transition")
	case errors.Is(err, engagement.ErrInvalidState):
		writeError(w, http.StatusConflict, "invalid state")
	case errors.Is(err, engagement.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, engagement.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, "conflict, retry")
	case errors.Is(err, engagement.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.serverError(w, r, err)
	}
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.ErrorContext(r.Context(), "request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}
