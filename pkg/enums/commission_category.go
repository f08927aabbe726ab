package enums

import "slices"

type CommissionCategory string

const (
	CommissionCategoryPortrait  CommissionCategory = "portrait"
	CommissionCategoryLandscape CommissionCategory = "landscape"
	CommissionCategoryAbstract  CommissionCategory = "abstract"
	CommissionCategoryDigital   CommissionCategory = "digital"
	CommissionCategorySculpture CommissionCategory = "sculpture"
	CommissionCategoryOther     CommissionCategory = "other"
)

var validCommissionCategorys = []CommissionCategory{
	CommissionCategoryPortrait,
	CommissionCategoryLandscape,
	CommissionCategoryAbstract,
	CommissionCategoryDigital,
	CommissionCategorySculpture,
	CommissionCategoryOther,
}

// String implements fmt.Stringer.
func (c CommissionCategory) String() string {
	return string(c)
}

// IsValid reports whether the value is a known CommissionCategory.
func (c CommissionCategory) IsValid() bool {
	return slices.Contains(validCommissionCategorys, c)
}

// ParseCommissionCategory converts raw input into a CommissionCategory.
func ParseCommissionCategory(value string) (CommissionCategory, error) {
	return parse(validCommissionCategorys, value, "commission category")
}
