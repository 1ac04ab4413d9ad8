package models

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/realtime"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRole string

const (
	AccountRoleOperator AccountRole = "operator"
	AccountRoleOwner    AccountRole = "owner"
	AccountRoleDelegate AccountRole = "delegate"
)

const grantCacheLifespan = time.Hour

// Account is a login that can hold a session. Delegates have a ParentId naming
// the owner account they were created under.
type Account struct {
	ID         string      `gorm:"primaryKey;size:64" json:"id"`
	BusinessId string      `gorm:"size:64;not null;index" json:"business_id"`
	Name       string      `gorm:"size:100" json:"name"`
	Role       AccountRole `gorm:"size:20;not null" json:"role"`
	ParentId   *string     `gorm:"size:64;index" json:"parent_id"`
	CreatedAt  time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// PageGrant is an account's own allow/deny for one page.
type PageGrant struct {
	AccountId  string    `gorm:"primaryKey;size:64" json:"account_id"`
	Page       string    `gorm:"primaryKey;size:64" json:"page"`
	BusinessId string    `gorm:"size:64;not null;index" json:"business_id"`
	Allowed    bool      `gorm:"not null" json:"allowed"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// AccountGrants is what a session needs to resolve its effective access.
type AccountGrants struct {
	AccountId    string          `json:"account_id"`
	Role         AccountRole     `json:"role"`
	ParentId     string          `json:"parent_id,omitempty"`
	Grants       map[string]bool `json:"grants"`
	ParentGrants map[string]bool `json:"parent_grants,omitempty"`
}

func accountGrantsCacheKey(businessId string, accountId string) string {
	return "AccountGrants:" + businessId + ":" + accountId
}

func CreateAccount(ctx context.Context, account *Account) error {
	if account.BusinessId == "" {
		return ErrTenantRequired
	}
	switch account.Role {
	case AccountRoleOperator, AccountRoleOwner:
	case AccountRoleDelegate:
		if account.ParentId == nil || *account.ParentId == "" {
			return fmt.Errorf("%w: delegate account requires a parent", ErrInvalidEntry)
		}
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidEntry, account.Role)
	}
	db := config.GetDB()
	return db.WithContext(ctx).Create(account).Error
}

func getAccount(tx *gorm.DB, businessId string, accountId string) (*Account, error) {
	var account Account
	err := tx.Where("business_id = ? AND id = ?", businessId, accountId).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func loadGrants(tx *gorm.DB, businessId string, accountId string) (map[string]bool, error) {
	var rows []PageGrant
	if err := tx.Where("business_id = ? AND account_id = ?", businessId, accountId).Find(&rows).Error; err != nil {
		return nil, err
	}
	grants := make(map[string]bool, len(rows))
	for _, row := range rows {
		grants[row.Page] = row.Allowed
	}
	return grants, nil
}

// GetAccountGrants returns the account's own grants and, for delegates, the parent's grants.
func GetAccountGrants(ctx context.Context, businessId string, accountId string) (*AccountGrants, error) {
	if businessId == "" {
		return nil, ErrTenantRequired
	}

	var cached AccountGrants
	key := accountGrantsCacheKey(businessId, accountId)
	if found, err := config.GetRedisObject(ctx, key, &cached); err == nil && found {
		return &cached, nil
	}

	db := config.GetDB().WithContext(ctx)
	account, err := getAccount(db, businessId, accountId)
	if err != nil {
		return nil, err
	}

	result := AccountGrants{AccountId: account.ID, Role: account.Role}
	if result.Grants, err = loadGrants(db, businessId, account.ID); err != nil {
		return nil, err
	}
	if account.ParentId != nil && *account.ParentId != "" {
		result.ParentId = *account.ParentId
		if result.ParentGrants, err = loadGrants(db, businessId, result.ParentId); err != nil {
			return nil, err
		}
	}

	if err := config.SetRedisObject(ctx, key, &result, grantCacheLifespan); err != nil {
		config.LogError(config.GetLogger(), "Account", "GetAccountGrants", "cache grants", key, err)
	}
	return &result, nil
}

// SaveGrant sets the account's own grant for page. It records a permission-changed
// event naming the account and, when the account has delegates, an
// admin-permission-changed event naming it as their parent.
func SaveGrant(ctx context.Context, businessId string, accountId string, page string, allowed bool) (*PageGrant, []realtime.Event, error) {
	if businessId == "" {
		return nil, nil, ErrTenantRequired
	}
	if page == "" {
		return nil, nil, fmt.Errorf("%w: page is required", ErrInvalidEntry)
	}

	grant := PageGrant{AccountId: accountId, Page: page, BusinessId: businessId, Allowed: allowed}
	var (
		childIds []string
		events   []realtime.Event
	)

	db := config.GetDB()
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getAccount(tx, businessId, accountId); err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "page"}},
			DoUpdates: clause.AssignmentColumns([]string{"allowed", "updated_at"}),
		}).Create(&grant).Error; err != nil {
			return err
		}

		change := realtime.GrantChange{AccountId: accountId, Page: page, Allowed: allowed}
		own, err := AppendChangeEvent(tx, businessId, realtime.EntityPermission, realtime.KindPermissionChanged, accountId, accountId, change)
		if err != nil {
			return err
		}
		events = append(events, own.ToEvent())

		if err := tx.Model(&Account{}).Where("business_id = ? AND parent_id = ?", businessId, accountId).
			Pluck("id", &childIds).Error; err != nil {
			return err
		}
		if len(childIds) > 0 {
			cascade, err := AppendChangeEvent(tx, businessId, realtime.EntityPermission, realtime.KindAdminPermissionChanged, accountId, accountId, change)
			if err != nil {
				return err
			}
			events = append(events, cascade.ToEvent())
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	keys := []string{accountGrantsCacheKey(businessId, accountId)}
	for _, id := range childIds {
		keys = append(keys, accountGrantsCacheKey(businessId, id))
	}
	if err := config.RemoveRedisKey(ctx, keys...); err != nil {
		config.LogError(config.GetLogger(), "Account", "SaveGrant", "invalidate grant cache", keys, err)
	}
	return &grant, events, nil
}
