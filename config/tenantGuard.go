package config

import (
	"context"
	"errors"
	"reflect"
	"strings"

	"bitbucket.org/mmdatafocus/pos_sync/appctx"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

const tenantColumn = "business_id"

// ErrCrossTenantWrite is returned when a row is created for a business other
// than the one the request is scoped to.
var ErrCrossTenantWrite = errors.New("row belongs to another business")

// TenantGuardPlugin scopes statements on tables with a business_id column to the
// business carried in the statement context:
//   - queries, updates and deletes get a business_id filter unless one is present
//   - creates get business_id filled in, and fail on a different business
//
// Raw SQL is not rewritten. The change-feed relay reads across tenants and sets
// appctx.ContextKeySkipTenantScope.
type TenantGuardPlugin struct{}

func NewTenantGuardPlugin() *TenantGuardPlugin { return &TenantGuardPlugin{} }

func (p *TenantGuardPlugin) Name() string { return "tenant_guard" }

func (p *TenantGuardPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()
	registrations := []error{
		cb.Query().Before("gorm:query").Register("tenant_guard:query", scopeToTenant),
		cb.Row().Before("gorm:row").Register("tenant_guard:row", scopeToTenant),
		cb.Update().Before("gorm:update").Register("tenant_guard:update", scopeToTenant),
		cb.Delete().Before("gorm:delete").Register("tenant_guard:delete", scopeToTenant),
		cb.Create().Before("gorm:create").Register("tenant_guard:create", stampTenant),
	}
	return errors.Join(registrations...)
}

// tenantField returns the request's business id and the model's business_id
// field, or an empty id when the statement is not tenant scoped.
func tenantField(db *gorm.DB) (string, *schema.Field) {
	if db == nil || db.Statement == nil || db.Statement.Context == nil || db.Statement.Schema == nil {
		return "", nil
	}
	ctx := db.Statement.Context
	if skip, _ := appctx.GetBool(ctx, appctx.ContextKeySkipTenantScope); skip {
		return "", nil
	}
	businessId, _ := appctx.GetBusinessId(ctx)
	if businessId == "" {
		return "", nil
	}
	field := db.Statement.Schema.LookUpField(tenantColumn)
	if field == nil {
		return "", nil
	}
	return businessId, field
}

func scopeToTenant(db *gorm.DB) {
	businessId, field := tenantField(db)
	if field == nil {
		return
	}
	if where, ok := db.Statement.Clauses["WHERE"].Expression.(clause.Where); ok && mentionsTenant(where.Exprs...) {
		return
	}
	db.Statement.AddClause(clause.Where{Exprs: []clause.Expression{
		clause.Eq{Column: clause.Column{Table: db.Statement.Table, Name: field.DBName}, Value: businessId},
	}})
}

func stampTenant(db *gorm.DB) {
	businessId, field := tenantField(db)
	if field == nil {
		return
	}
	ctx := db.Statement.Context
	rv := db.Statement.ReflectValue
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			stampRow(ctx, db, field, rv.Index(i), businessId)
		}
	case reflect.Struct:
		stampRow(ctx, db, field, rv, businessId)
	}
}

func stampRow(ctx context.Context, db *gorm.DB, field *schema.Field, row reflect.Value, businessId string) {
	current, zero := field.ValueOf(ctx, row)
	if zero {
		if err := field.Set(ctx, row, businessId); err != nil {
			db.AddError(err)
		}
		return
	}
	if s, ok := current.(string); ok && s != businessId {
		db.AddError(ErrCrossTenantWrite)
	}
}

func mentionsTenant(exprs ...clause.Expression) bool {
	for _, e := range exprs {
		var col any
		switch v := e.(type) {
		case clause.Eq:
			col = v.Column
		case clause.Neq:
			col = v.Column
		case clause.IN:
			col = v.Column
		case clause.AndConditions:
			if mentionsTenant(v.Exprs...) {
				return true
			}
			continue
		case clause.OrConditions:
			if mentionsTenant(v.Exprs...) {
				return true
			}
			continue
		case clause.Expr:
			if strings.Contains(strings.ToLower(v.SQL), tenantColumn) {
				return true
			}
			continue
		case clause.NamedExpr:
			if strings.Contains(strings.ToLower(v.SQL), tenantColumn) {
				return true
			}
			continue
		default:
			continue
		}
		switch c := col.(type) {
		case string:
			if strings.EqualFold(c, tenantColumn) {
				return true
			}
		case clause.Column:
			if strings.EqualFold(c.Name, tenantColumn) {
				return true
			}
		}
	}
	return false
}
