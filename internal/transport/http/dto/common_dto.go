package dto

import "github.com/doexcess/business-api/internal/pkg/pagination"

// Page is the list envelope shared by every paged endpoint.
type Page[T any] struct {
	Data []T             `json:"data"`
	Meta pagination.Meta `json:"meta"`
}

func NewPage[T any](items []T, page pagination.Params, total int64) Page[T] {
	if items == nil {
		items = []T{}
	}
	return Page[T]{Data: items, Meta: page.Meta(total)}
}

type Data[T any] struct {
	Data T `json:"data"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}
