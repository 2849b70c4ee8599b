package domain

import "time"

// Channel is an external delivery mechanism.
type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
)

// Campaign statuses.
const (
	CampaignDraft     = "draft"
	CampaignActive    = "active"
	CampaignCancelled = "cancelled"
)

// ScheduledDrop statuses.
const (
	DropPending   = "pending"
	DropExpanding = "expanding"
	DropExpanded  = "expanded"
	DropCancelled = "cancelled"
)

// SendJob statuses.
const (
	JobPending = "pending"
	JobSent    = "sent"
	JobFailed  = "failed"
)

const DateLayout = "2006-01-02"

type Campaign struct {
	ID        string
	OrgID     string
	Name      string
	Status    string
	StartDate string // YYYY-MM-DD in the campaign's zone
	EndDate   string // derived: start + (content count - 1) days
	SendTime  string // HH:MM wall clock in the campaign's zone
	Timezone  string // IANA name
	Channels  []Channel
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Recipient is one audience member plus the destinations the channel
// providers need. The audience is fixed at campaign creation.
type Recipient struct {
	CampaignID    string
	UserID        string
	DeviceToken   string
	Phone         string
	WhatsAppOptIn bool
}

// ContentItem is an opaque payload; Position is the delivery order
// supplied by the caller. The planner never reorders.
type ContentItem struct {
	ID         string
	CampaignID string
	Position   int
	Title      string
	Body       string
}

// ScheduledDrop is the delivery unit for one content item on one
// calendar day of a campaign.
type ScheduledDrop struct {
	ID            string
	CampaignID    string
	ContentItemID string
	DropDate      string // YYYY-MM-DD
	TriggerAt     time.Time
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type SendJob struct {
	ID        string
	DropID    string
	UserID    string
	Channel   Channel
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Notification is a persisted in-app message, the sink for the web channel.
type Notification struct {
	ID        string
	UserID    string
	Title     string
	Body      string
	ReadAt    *time.Time
	CreatedAt time.Time
}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, bool) {
	switch Channel(s) {
	case ChannelPush, ChannelWhatsApp, ChannelWeb:
		return Channel(s), true
	}
	return "", false
}
