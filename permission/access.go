// Package permission resolves a session's effective page access from its own
// grants and its parent account's grants, and keeps it current as grants change.
package permission

type Page string

const (
	PageBilling  Page = "billing"
	PageBills    Page = "bills"
	PageMenu     Page = "menu"
	PageExpenses Page = "expenses"
	PageReports  Page = "reports"
	PageSettings Page = "settings"
	PageQR       Page = "qr"
	// PageSignIn is where a session lands when no page is allowed.
	PageSignIn Page = "sign-in"
)

// PriorityOrder is the order pages are tried when the current one is revoked.
var PriorityOrder = []Page{PageBilling, PageBills, PageMenu, PageExpenses, PageReports, PageSettings, PageQR}

type Role string

const (
	RoleOperator Role = "operator"
	RoleOwner    Role = "owner"
	RoleDelegate Role = "delegate"
)

// Grants maps a page to an explicit allow or deny.
type Grants map[Page]bool

// Allowed returns the explicit grant for page, or missing when there is none.
func (g Grants) Allowed(page Page, missing bool) bool {
	if allowed, ok := g[page]; ok {
		return allowed
	}
	return missing
}

func (g Grants) clone() Grants {
	out := make(Grants, len(g))
	for k, v := range g {
		out[k] = v
	}
	return out
}

// EffectiveAccess is a delegate's access to page: its own grant must allow it and
// its parent must not deny it. A delegate without an own grant is denied.
func EffectiveAccess(own, parent Grants, page Page) bool {
	return own.Allowed(page, false) && parent.Allowed(page, true)
}

// Hierarchy is one account's grants together with its parent's.
type Hierarchy struct {
	AccountId string
	Role      Role
	ParentId  string
	Own       Grants
	Parent    Grants
}

// Allows reports effective access to page. Operators are always allowed;
// owners are only restricted by their own grants, which the operator sets.
func (h Hierarchy) Allows(page Page) bool {
	if page == PageSignIn {
		return true
	}
	switch h.Role {
	case RoleOperator:
		return true
	case RoleOwner:
		return h.Own.Allowed(page, true)
	case RoleDelegate:
		return EffectiveAccess(h.Own, h.Parent, page)
	}
	return false
}

// Effective evaluates every known page.
func (h Hierarchy) Effective() map[Page]bool {
	out := make(map[Page]bool, len(PriorityOrder))
	for _, page := range PriorityOrder {
		out[page] = h.Allows(page)
	}
	for page := range h.Own {
		out[page] = h.Allows(page)
	}
	return out
}

// denyAll is the effective set used when grants cannot be resolved.
func denyAll() map[Page]bool {
	out := make(map[Page]bool, len(PriorityOrder))
	for _, page := range PriorityOrder {
		out[page] = false
	}
	return out
}

// fallbackPage picks the first allowed page in priority order.
func fallbackPage(effective map[Page]bool) Page {
	for _, page := range PriorityOrder {
		if effective[page] {
			return page
		}
	}
	return PageSignIn
}
