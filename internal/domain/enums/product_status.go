package enums

import "strings"

type ProductStatus string

const (
	ProductStatusDraft     ProductStatus = "draft"
	ProductStatusPublished ProductStatus = "published"
	ProductStatusArchived  ProductStatus = "archived"
)

func ParseProductStatus(raw string) (ProductStatus, bool) {
	switch ProductStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case ProductStatusDraft:
		return ProductStatusDraft, true
	case ProductStatusPublished:
		return ProductStatusPublished, true
	case ProductStatusArchived:
		return ProductStatusArchived, true
	default:
		return "", false
	}
}

// Archived is terminal.
func (s ProductStatus) CanTransitionTo(next ProductStatus) bool {
	switch s {
	case ProductStatusDraft:
		return next == ProductStatusPublished || next == ProductStatusArchived
	case ProductStatusPublished:
		return next == ProductStatusDraft || next == ProductStatusArchived
	default:
		return false
	}
}

type ProductType string

const (
	ProductTypeCourse           ProductType = "course"
	ProductTypeTicket           ProductType = "ticket"
	ProductTypeDigitalProduct   ProductType = "digital_product"
	ProductTypePhysicalProduct  ProductType = "physical_product"
	ProductTypeSubscriptionPlan ProductType = "subscription_plan"
)

func ParseProductType(raw string) (ProductType, bool) {
	switch ProductType(strings.ToLower(strings.TrimSpace(raw))) {
	case ProductTypeCourse:
		return ProductTypeCourse, true
	case ProductTypeTicket:
		return ProductTypeTicket, true
	case ProductTypeDigitalProduct:
		return ProductTypeDigitalProduct, true
	case ProductTypePhysicalProduct:
		return ProductTypePhysicalProduct, true
	case ProductTypeSubscriptionPlan:
		return ProductTypeSubscriptionPlan, true
	default:
		return "", false
	}
}
