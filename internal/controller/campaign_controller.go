// internal/controller/campaign_controller.go
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/model"
	"github.com/unclebandit/rcs-dispatch/internal/service"
)

type Initiator interface {
	Initiate(ctx context.Context, req service.InitiateRequest) (*service.InitiateResult, error)
}

type CampaignReader interface {
	GetCampaignDetailsWithStats(ctx context.Context, campaignID int64) (*service.CampaignDetails, error)
}

type CampaignController struct {
	Dispatcher      Initiator
	CampaignService CampaignReader
	Log             *zap.Logger
}

type createCampaignBody struct {
	SponsorID   int64            `json:"sponsor_id"`
	Name        string           `json:"name"`
	MessageType string           `json:"message_type"`
	Content     json.RawMessage  `json:"content"`
	Recipients  []string         `json:"recipients"`
	UnitCost    *decimal.Decimal `json:"unit_cost,omitempty"`
}

// CreateCampaign funds and starts a campaign. Sending continues after the
// 202 response.
func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var body createCampaignBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.SponsorID <= 0 || strings.TrimSpace(body.Name) == "" || body.MessageType == "" || len(body.Content) == 0 {
		writeError(w, http.StatusBadRequest, "sponsor_id, name, message_type and content are required")
		return
	}

	result, err := c.Dispatcher.Initiate(r.Context(), service.InitiateRequest{
		SponsorID:   body.SponsorID,
		Name:        strings.TrimSpace(body.Name),
		MessageType: model.MessageType(body.MessageType),
		Content:     body.Content,
		Recipients:  body.Recipients,
		UnitCost:    body.UnitCost,
	})
	if err != nil {
		c.writeInitiateError(w, body.SponsorID, err)
		return
	}

	writeJSON(w, http.StatusAccepted, result)
}

func (c *CampaignController) writeInitiateError(w http.ResponseWriter, sponsorID int64, err error) {
	var balanceErr *appErrors.InsufficientBalanceError
	switch {
	case errors.As(err, &balanceErr):
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"success":   false,
			"message":   "Insufficient balance",
			"required":  balanceErr.Required,
			"available": balanceErr.Available,
		})
	case errors.Is(err, appErrors.ErrSponsorNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, appErrors.ErrNoRecipients),
		errors.Is(err, appErrors.ErrUnknownMessageType),
		errors.Is(err, appErrors.ErrInvalidContent),
		errors.Is(err, appErrors.ErrInvalidUnitCost):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		c.Log.Error("failed to initiate campaign", zap.Int64("sponsor_id", sponsorID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to initiate campaign")
	}
}

func (c *CampaignController) GetCampaignDetails(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid campaign id")
		return
	}

	details, err := c.CampaignService.GetCampaignDetailsWithStats(r.Context(), id)
	if err != nil {
		var notFound *appErrors.ErrCampaignNotFound
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		c.Log.Error("failed to fetch campaign", zap.Int64("campaign_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch campaign")
		return
	}

	writeJSON(w, http.StatusOK, details)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}
