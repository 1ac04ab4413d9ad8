package realtime

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntityType string

const (
	EntityBill       EntityType = "bill"
	EntityItem       EntityType = "item"
	EntityPermission EntityType = "permission"
	EntityExpense    EntityType = "expense"
)

type ChangeKind string

const (
	KindCreated                ChangeKind = "created"
	KindUpdated                ChangeKind = "updated"
	KindDeleted                ChangeKind = "deleted"
	KindPermissionChanged      ChangeKind = "permission-changed"
	KindAdminPermissionChanged ChangeKind = "admin-permission-changed"
	// KindEffectiveChanged is published locally after a session's effective access is recomputed.
	KindEffectiveChanged ChangeKind = "effective-changed"
)

// Channel names the path an event was delivered over.
type Channel string

const (
	ChannelLocal     Channel = "local"
	ChannelEphemeral Channel = "ephemeral"
	ChannelDurable   Channel = "durable"
)

// Event is a normalized change notification. The same logical change may arrive
// on more than one channel with the same ID, so handlers must be idempotent.
type Event struct {
	ID         string          `json:"id"`
	Seq        int64           `json:"seq,omitempty"`
	BusinessId string          `json:"business_id"`
	Entity     EntityType      `json:"entity"`
	Kind       ChangeKind      `json:"kind"`
	EntityId   string          `json:"entity_id,omitempty"`
	SessionId  string          `json:"session_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OriginAt   time.Time       `json:"origin_at"`
	Origin     string          `json:"origin,omitempty"`
	Channel    Channel         `json:"channel,omitempty"`
}

// NewEvent builds an event with a fresh ID. payload is marshalled as JSON; nil means no payload.
func NewEvent(businessId string, entity EntityType, kind ChangeKind, entityId string, payload any) (Event, error) {
	ev := Event{
		ID:         uuid.NewString(),
		BusinessId: businessId,
		Entity:     entity,
		Kind:       kind,
		EntityId:   entityId,
		OriginAt:   time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		ev.Payload = raw
	}
	return ev, nil
}

// Decode unmarshals the payload into dest.
func (e Event) Decode(dest any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, dest)
}

// BillConfirmed is the payload of a bill/created event.
type BillConfirmed struct {
	BillId            int             `json:"bill_id"`
	BillNumber        int64           `json:"bill_number"`
	LocalId           string          `json:"local_id,omitempty"`
	ProvisionalNumber string          `json:"provisional_number,omitempty"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
}

// GrantChange is the payload of permission-changed and admin-permission-changed events.
type GrantChange struct {
	AccountId string `json:"account_id"`
	Page      string `json:"page"`
	Allowed   bool   `json:"allowed"`
}
