package service_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/rcs-dispatch/internal/errors"
	"github.com/unclebandit/rcs-dispatch/internal/model"
	"github.com/unclebandit/rcs-dispatch/internal/service"
)

func TestGetCampaignDetailsWithStats(t *testing.T) {
	store := newMemStore()
	cid := store.seedSent(1, "msg_1")
	store.mu.Lock()
	store.campaigns[cid].AudienceCount = 4
	store.results["msg_2"] = &model.DispatchResult{CampaignID: cid, CorrelationID: "msg_2", State: model.StateFailed}
	store.results["msg_3"] = &model.DispatchResult{CampaignID: cid, CorrelationID: "msg_3", State: model.StateRead}
	store.mu.Unlock()

	svc := &service.CampaignService{CampaignRepo: memCampaigns{store}, ResultRepo: memResults{store}, Log: zap.NewNop()}

	details, err := svc.GetCampaignDetailsWithStats(context.Background(), cid)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if details.ID != cid {
		t.Errorf("expected campaign %d, got %d", cid, details.ID)
	}
	want := map[string]int{"SENT": 1, "DELIVERED": 0, "READ": 1, "FAILED": 1, "total": 3}
	for k, v := range want {
		if details.Records[k] != v {
			t.Errorf("records[%s] = %d, want %d", k, details.Records[k], v)
		}
	}
	if details.Pending != 1 {
		t.Errorf("expected 1 pending recipient, got %d", details.Pending)
	}
}

func TestGetCampaignDetailsNotFound(t *testing.T) {
	store := newMemStore()
	svc := &service.CampaignService{CampaignRepo: memCampaigns{store}, ResultRepo: memResults{store}, Log: zap.NewNop()}

	_, err := svc.GetCampaignDetailsWithStats(context.Background(), 99)
	var notFound *appErrors.ErrCampaignNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("expected ErrCampaignNotFound, got %v", err)
	}
}
