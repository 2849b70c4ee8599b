// Package planner turns a campaign definition and an ordered content
// list into the day-by-day drop schedule. Planning is a one-time
// operation: item i lands on start_date+i, and a campaign that already
// has drops is rejected rather than merged.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"dripflow/internal/domain"
	"dripflow/internal/store"
)

// AudienceMember is one validated recipient handed over by audience
// selection, with the destinations the channels need.
type AudienceMember struct {
	UserID        string `json:"user_id"`
	DeviceToken   string `json:"device_token,omitempty"`
	Phone         string `json:"phone,omitempty"`
	WhatsAppOptIn bool   `json:"whatsapp_opt_in,omitempty"`
}

// Definition is the campaign input produced by the authoring side.
type Definition struct {
	OrgID     string           `json:"org_id"`
	Name      string           `json:"name"`
	StartDate string           `json:"start_date"` // YYYY-MM-DD
	SendTime  string           `json:"send_time"`  // HH:MM local
	Timezone  string           `json:"timezone"`   // IANA, defaults to UTC
	Channels  []string         `json:"channels"`
	Audience  []AudienceMember `json:"audience"`
}

// ContentInput is one opaque content item; array order is delivery order.
type ContentInput struct {
	ID    string `json:"id,omitempty"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

type Planner struct {
	store store.Store
	now   func() time.Time
}

func New(st store.Store) *Planner {
	return &Planner{store: st, now: time.Now}
}

// WithClock overrides the planner's clock (tests).
func (p *Planner) WithClock(now func() time.Time) *Planner {
	p.now = now
	return p
}

// Create validates the definition and persists the draft campaign with
// its audience. The drop schedule is written by PlanDaily.
func (p *Planner) Create(ctx context.Context, def Definition) (*domain.Campaign, error) {
	if strings.TrimSpace(def.OrgID) == "" {
		return nil, fmt.Errorf("%w: org_id is required", domain.ErrInvalid)
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", domain.ErrInvalid)
	}
	if len(def.Audience) == 0 {
		return nil, domain.ErrEmptyAudience
	}

	tz := def.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrInvalid, def.Timezone)
	}

	if _, err := parseSendTime(def.SendTime); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalid, err)
	}

	start, err := time.ParseInLocation(domain.DateLayout, def.StartDate, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid start_date %q", domain.ErrInvalid, def.StartDate)
	}
	today := midnight(p.now().In(loc))
	if start.Before(today) {
		return nil, domain.ErrStartInPast
	}

	var channels []domain.Channel
	seen := map[domain.Channel]bool{}
	for _, raw := range def.Channels {
		ch, ok := domain.ParseChannel(raw)
		if !ok {
			return nil, fmt.Errorf("%w: unknown channel %q", domain.ErrInvalid, raw)
		}
		if !seen[ch] {
			seen[ch] = true
			channels = append(channels, ch)
		}
	}
	if len(channels) == 0 {
		return nil, domain.ErrNoChannels
	}

	c := &domain.Campaign{
		OrgID:     def.OrgID,
		Name:      def.Name,
		Status:    domain.CampaignDraft,
		StartDate: start.Format(domain.DateLayout),
		SendTime:  def.SendTime,
		Timezone:  tz,
		Channels:  channels,
	}

	recipients := make([]domain.Recipient, 0, len(def.Audience))
	for _, m := range def.Audience {
		if strings.TrimSpace(m.UserID) == "" {
			return nil, fmt.Errorf("%w: audience member without user_id", domain.ErrInvalid)
		}
		recipients = append(recipients, domain.Recipient{
			UserID:        m.UserID,
			DeviceToken:   m.DeviceToken,
			Phone:         m.Phone,
			WhatsAppOptIn: m.WhatsAppOptIn,
		})
	}

	if err := p.store.CreateCampaign(ctx, c, recipients); err != nil {
		return nil, err
	}
	return c, nil
}

// PlanDaily maps content item i onto start_date+i days, persists the
// drops in one all-or-nothing transaction, and returns the drop count.
// Re-planning an already-planned campaign fails with ErrAlreadyPlanned.
func (p *Planner) PlanDaily(ctx context.Context, c *domain.Campaign, items []ContentInput) (int, error) {
	if len(items) == 0 {
		return 0, domain.ErrEmptyContent
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return 0, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	sendAt, err := parseSendTime(c.SendTime)
	if err != nil {
		return 0, err
	}
	start, err := time.ParseInLocation(domain.DateLayout, c.StartDate, loc)
	if err != nil {
		return 0, fmt.Errorf("invalid start_date %q: %w", c.StartDate, err)
	}

	contents := make([]domain.ContentItem, len(items))
	drops := make([]domain.ScheduledDrop, len(items))
	for i, in := range items {
		itemID := in.ID
		if itemID == "" {
			itemID = "itm_" + uuid.NewString()
		}
		contents[i] = domain.ContentItem{
			ID:         itemID,
			CampaignID: c.ID,
			Position:   i,
			Title:      in.Title,
			Body:       in.Body,
		}

		day := start.AddDate(0, 0, i)
		trigger := time.Date(day.Year(), day.Month(), day.Day(), sendAt.hour, sendAt.minute, 0, 0, loc)
		drops[i] = domain.ScheduledDrop{
			ID:            "drp_" + uuid.NewString(),
			CampaignID:    c.ID,
			ContentItemID: itemID,
			DropDate:      day.Format(domain.DateLayout),
			TriggerAt:     trigger,
			Status:        domain.DropPending,
		}
	}

	endDate := start.AddDate(0, 0, len(items)-1).Format(domain.DateLayout)
	if err := p.store.InsertPlan(ctx, c.ID, endDate, contents, drops); err != nil {
		return 0, err
	}
	c.EndDate = endDate
	c.Status = domain.CampaignActive

	log.Info().
		Str("campaign_id", c.ID).
		Int("drops", len(drops)).
		Str("start_date", c.StartDate).
		Str("end_date", endDate).
		Msg("campaign planned")
	return len(drops), nil
}

type clockTime struct{ hour, minute int }

func parseSendTime(s string) (clockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return clockTime{}, fmt.Errorf("invalid send_time %q, want HH:MM: %w", s, err)
	}
	return clockTime{hour: t.Hour(), minute: t.Minute()}, nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
