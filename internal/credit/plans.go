package credit

// Plan describes a subscription tier and the credits it includes per
// billing period.
type Plan struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	IncludedCredits int64  `json:"included_credits"`
	StripePriceID   string `json:"stripe_price_id,omitempty"`
}

// PlanCatalog resolves plan ids to plan definitions. It is injected into
// the Service so the engine stays testable without the real catalog.
type PlanCatalog interface {
	Plan(id string) (Plan, bool)
}

// StaticCatalog is a PlanCatalog backed by a fixed set of plans, built
// from configuration at startup.
type StaticCatalog map[string]Plan

// NewStaticCatalog builds a catalog from a list of plans.
func NewStaticCatalog(plans []Plan) StaticCatalog {
	c := make(StaticCatalog, len(plans))
	for _, p := range plans {
		c[p.ID] = p
	}
	return c
}

// Plan returns the plan with the given id.
func (c StaticCatalog) Plan(id string) (Plan, bool) {
	p, ok := c[id]
	return p, ok
}
