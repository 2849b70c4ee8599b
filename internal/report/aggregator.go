// Package report computes read-only rollups for campaign detail views.
// Pure queries over persisted state; safe to call mid-campaign while
// jobs are still pending.
package report

import (
	"context"

	"dripflow/internal/domain"
	"dripflow/internal/store"
)

type ChannelStats struct {
	Channel     domain.Channel `json:"channel"`
	Total       int            `json:"total"`
	Sent        int            `json:"sent"`
	Failed      int            `json:"failed"`
	SuccessRate float64        `json:"success_rate"` // sent / settled, 0 when nothing settled
}

type CampaignStatus struct {
	CampaignID      string         `json:"campaign_id"`
	Status          string         `json:"status"`
	SelectedUsers   int            `json:"selected_users_count"`
	TotalDrops      int            `json:"total_drops"`
	DropsByStatus   map[string]int `json:"drops_by_status"`
	TotalSends      int            `json:"total_sends"`
	SuccessfulSends int            `json:"successful_sends"`
	FailedSends     int            `json:"failed_sends"`
	PendingSends    int            `json:"pending_sends"`
	Channels        []ChannelStats `json:"channels"`
}

type Aggregator struct {
	store store.Store
}

func NewAggregator(st store.Store) *Aggregator { return &Aggregator{store: st} }

func (a *Aggregator) CampaignStatus(ctx context.Context, campaignID string) (*CampaignStatus, error) {
	c, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	users, err := a.store.CountRecipients(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	dropCounts, err := a.store.DropCounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	jobCounts, err := a.store.JobCounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	channelCounts, err := a.store.ChannelCounts(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	status := &CampaignStatus{
		CampaignID:      campaignID,
		Status:          c.Status,
		SelectedUsers:   users,
		DropsByStatus:   dropCounts,
		SuccessfulSends: jobCounts[domain.JobSent],
		FailedSends:     jobCounts[domain.JobFailed],
		PendingSends:    jobCounts[domain.JobPending],
	}
	for _, n := range dropCounts {
		status.TotalDrops += n
	}
	for _, n := range jobCounts {
		status.TotalSends += n
	}
	for _, cc := range channelCounts {
		cs := ChannelStats{Channel: cc.Channel, Total: cc.Total, Sent: cc.Sent, Failed: cc.Failed}
		if settled := cc.Sent + cc.Failed; settled > 0 {
			cs.SuccessRate = float64(cc.Sent) / float64(settled)
		}
		status.Channels = append(status.Channels, cs)
	}
	return status, nil
}
