package types

// MilestonePlan is one row of a proposed payment schedule, either attached to a
// bid or supplied when the client fixes the schedule.
type MilestonePlan struct {
	Title       string `json:"title" validate:"required,max=200"`
	Description string `json:"description,omitempty" validate:"max=2000"`
	Amount      int64  `json:"amount" validate:"gt=0"`
}

// MilestonePlans is stored as a jsonb column.
type MilestonePlans []MilestonePlan

// Total sums the planned amounts.
func (p MilestonePlans) Total() int64 {
	var total int64
	for _, plan := range p {
		total += plan.Amount
	}
	return total
}
