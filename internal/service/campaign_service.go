// internal/service/campaign_service.go
package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/rcs-dispatch/internal/model"
	"github.com/unclebandit/rcs-dispatch/internal/repository"
)

// CampaignService serves the read side of campaigns.
type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	ResultRepo   repository.DispatchResultRepositoryInterface
	Log          *zap.Logger
}

// CampaignDetails is a campaign with its counters and the number of dispatch
// results currently in each lifecycle state.
type CampaignDetails struct {
	*model.Campaign
	Records map[string]int `json:"records"`
	// Pending is the audience not yet resolved to a dispatch result.
	Pending int `json:"pending"`
}

func (s *CampaignService) GetCampaignDetailsWithStats(ctx context.Context, campaignID int64) (*CampaignDetails, error) {
	campaign, err := s.CampaignRepo.GetByID(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	counts, err := s.ResultRepo.CountByState(ctx, campaignID)
	if err != nil {
		s.Log.Error("failed to count dispatch results", zap.Int64("campaign_id", campaignID), zap.Error(err))
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	counts["total"] = total

	pending := campaign.AudienceCount - total
	if pending < 0 {
		pending = 0
	}

	return &CampaignDetails{Campaign: campaign, Records: counts, Pending: pending}, nil
}
