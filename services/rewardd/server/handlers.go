package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"vendorvote/core/voting"
	"vendorvote/services/rewardd/admission"
	"vendorvote/services/rewardd/binding"
	"vendorvote/services/rewardd/distribution"
	"vendorvote/services/rewardd/ledger"
	"vendorvote/services/rewardd/models"
)

type voteRequest struct {
	VoterID  uint64 `json:"voterId"`
	VendorID uint64 `json:"vendorId"`
	VoteKind string `json:"voteKind"`
	ProofRef string `json:"proofRef,omitempty"`
}

type voteResponse struct {
	Accepted        bool             `json:"accepted"`
	RewardAmount    int64            `json:"rewardAmount,omitempty"`
	RejectionReason admission.Reason `json:"rejectionReason,omitempty"`
	RecordID        string           `json:"recordId,omitempty"`
	SessionID       string           `json:"sessionId,omitempty"`
	Slot            int              `json:"slot,omitempty"`
	Streak          int              `json:"streak,omitempty"`
	WalletBound     bool             `json:"walletBound,omitempty"`
}

// handleVote answers 200 for both outcomes; rejections are part of the
// response body rather than an HTTP error.
func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var req voteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	kind, err := voting.ParseKind(req.VoteKind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.auth.authorizeUser(r.Context(), req.VoterID) {
		writeError(w, http.StatusForbidden, "token subject does not match voter")
		return
	}
	admitted, err := s.admission.Admit(r.Context(), admission.VoteRequest{
		VoterID:  req.VoterID,
		VendorID: req.VendorID,
		Kind:     kind,
		ProofRef: req.ProofRef,
	})
	var rejection *admission.RejectionError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, voteResponse{
			Accepted:     true,
			RewardAmount: admitted.RewardAmount,
			RecordID:     admitted.RecordID.String(),
			SessionID:    admitted.SessionID.String(),
			Slot:         admitted.Slot,
			Streak:       admitted.Streak,
			WalletBound:  admitted.WalletBound,
		})
	case errors.As(err, &rejection):
		writeJSON(w, http.StatusOK, voteResponse{Accepted: false, RejectionReason: rejection.Reason})
	case errors.Is(err, admission.ErrInvalidVote):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, admission.ErrUnknownVendor):
		writeError(w, http.StatusNotFound, "unknown vendor")
	case errors.Is(err, admission.ErrPauseUnavailable):
		writeError(w, http.StatusServiceUnavailable, "reward contract unavailable")
	default:
		s.logger.Error("admit vote", slog.Uint64("voter_id", req.VoterID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to admit vote")
	}
}

type bindRequest struct {
	UserID        uint64               `json:"userId"`
	WalletAddress ledger.WalletAddress `json:"walletAddress"`
}

type retryRequest struct {
	UserID uint64 `json:"userId"`
}

func (s *Server) handleBind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.auth.authorizeUser(r.Context(), req.UserID) {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return
	}
	result, err := s.binding.Bind(r.Context(), req.UserID, req.WalletAddress)
	s.writeFlush(w, req.UserID, result, err)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.auth.authorizeUser(r.Context(), req.UserID) {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return
	}
	result, err := s.binding.RetryFailed(r.Context(), req.UserID)
	s.writeFlush(w, req.UserID, result, err)
}

func (s *Server) writeFlush(w http.ResponseWriter, userID uint64, result binding.FlushResult, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, binding.ErrInvalidUser), errors.Is(err, binding.ErrWalletRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, binding.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown user")
	case errors.Is(err, binding.ErrWalletAlreadyBound):
		writeError(w, http.StatusConflict, "a different wallet is already bound")
	case errors.Is(err, distribution.ErrWalletUnbound):
		writeError(w, http.StatusConflict, "no wallet bound")
	default:
		s.logger.Error("flush backlog", slog.Uint64("user_id", userID), slog.Any("error", err))
		if result.Message == "" {
			result.Message = "backlog flush failed"
		}
		writeJSON(w, http.StatusBadGateway, struct {
			binding.FlushResult
			Error string `json:"error"`
		}{result, "balance reconciliation failed"})
	}
}

type userView struct {
	ID            uint64     `json:"id"`
	WalletAddress string     `json:"walletAddress,omitempty"`
	TokenBalance  int64      `json:"tokenBalance"`
	Streak        int        `json:"streak"`
	Pending       int64      `json:"pending"`
	Distributed   int64      `json:"distributed"`
	Failed        int64      `json:"failed"`
	BoundAt       *time.Time `json:"boundAt,omitempty"`
	ReconciledAt  *time.Time `json:"reconciledAt,omitempty"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.auth.authorizeUser(r.Context(), id) {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return
	}
	var user models.User
	if err := s.db.WithContext(r.Context()).First(&user, "id = ?", id).Error; err != nil {
		writeError(w, http.StatusNotFound, "unknown user")
		return
	}
	var counts []struct {
		Status models.DistributionStatus
		Count  int64
	}
	if err := s.db.WithContext(r.Context()).Model(&models.DistributionRecord{}).
		Select("status, count(*) AS count").
		Where("voter_id = ?", id).
		Group("status").
		Scan(&counts).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load distributions")
		return
	}
	view := userView{
		ID:           user.ID,
		TokenBalance: user.TokenBalance,
		Streak:       user.Streak,
		BoundAt:      user.BoundAt,
		ReconciledAt: user.ReconciledAt,
	}
	if !user.WalletAddress.IsZero() {
		view.WalletAddress = user.WalletAddress.String()
	}
	for _, c := range counts {
		switch c.Status {
		case models.StatusPending:
			view.Pending = c.Count
		case models.StatusDistributed:
			view.Distributed = c.Count
		case models.StatusFailed:
			view.Failed = c.Count
		}
	}
	writeJSON(w, http.StatusOK, view)
}

type distributionView struct {
	ID            string     `json:"id"`
	VendorID      uint64     `json:"vendorId"`
	VoteDate      string     `json:"voteDate"`
	Slot          int        `json:"slot"`
	SessionID     string     `json:"sessionId"`
	VoteKind      string     `json:"voteKind"`
	Amount        int64      `json:"amount"`
	Status        string     `json:"status"`
	TxHash        string     `json:"txHash,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	ErrorClass    string     `json:"errorClass,omitempty"`
	Attempts      int        `json:"attempts"`
	CreatedAt     time.Time  `json:"createdAt"`
	DistributedAt *time.Time `json:"distributedAt,omitempty"`
}

func (s *Server) handleListDistributions(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.auth.authorizeUser(r.Context(), id) {
		writeError(w, http.StatusForbidden, "token subject does not match user")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if parsed < 200 {
			limit = parsed
		} else {
			limit = 200
		}
	}
	query := s.db.WithContext(r.Context()).Where("voter_id = ?", id)
	if status := models.DistributionStatus(r.URL.Query().Get("status")); status != "" {
		switch status {
		case models.StatusPending, models.StatusDistributed, models.StatusFailed:
			query = query.Where("status = ?", status)
		default:
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	var records []models.DistributionRecord
	if err := query.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load distributions")
		return
	}
	out := make([]distributionView, 0, len(records))
	for _, rec := range records {
		out = append(out, distributionView{
			ID:            rec.ID.String(),
			VendorID:      rec.VendorID,
			VoteDate:      rec.VoteDate,
			Slot:          rec.Slot,
			SessionID:     rec.SessionID.String(),
			VoteKind:      string(rec.VoteKind),
			Amount:        rec.Amount,
			Status:        string(rec.Status),
			TxHash:        rec.TxHash,
			LastError:     rec.LastError,
			ErrorClass:    rec.ErrorClass,
			Attempts:      rec.Attempts,
			CreatedAt:     rec.CreatedAt,
			DistributedAt: rec.DistributedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"distributions": out})
}

type pauseRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	var req pauseRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	s.pause.Pause(req.Reason)
	s.logger.Warn("reward admission paused by operator", slog.String("reason", req.Reason))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.pause.Resume()
	s.logger.Info("reward admission resumed by operator")
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	admission.PauseStatus
	Paused        bool   `json:"paused"`
	QueueDepth    int    `json:"queueDepth"`
	ContractError string `json:"contractError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.pause.Status(r.Context())
	resp := statusResponse{PauseStatus: status, Paused: status.Paused()}
	if err != nil {
		resp.ContractError = err.Error()
	}
	if s.queueDepth != nil {
		resp.QueueDepth = s.queueDepth()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecomputeStreak(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	streak, err := s.admission.RecomputeStreak(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"userId": id, "streak": streak})
	case errors.Is(err, admission.ErrUnknownUser):
		writeError(w, http.StatusNotFound, "unknown user")
	default:
		s.logger.Error("recompute streak", slog.Uint64("user_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to recompute streak")
	}
}
