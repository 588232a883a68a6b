package pagination

import (
	"net/http/httptest"
	"testing"
)

func TestFromRequestReadsBracketParams(t *testing.T) {
	req := httptest.NewRequest("GET", "/ticket?pagination[page]=3&pagination[limit]=25", nil)
	p := FromRequest(req)
	if p.Page != 3 || p.Limit != 25 {
		t.Fatalf("unexpected params: %+v", p)
	}
	if p.Offset() != 50 {
		t.Fatalf("unexpected offset: %d", p.Offset())
	}
}

func TestFromRequestDefaultsAndClamps(t *testing.T) {
	req := httptest.NewRequest("GET", "/ticket?pagination[page]=abc&pagination[limit]=1000", nil)
	p := FromRequest(req)
	if p.Page != DefaultPage {
		t.Fatalf("unexpected page: %d", p.Page)
	}
	if p.Limit != MaxLimit {
		t.Fatalf("unexpected limit: %d", p.Limit)
	}
}

func TestMetaTotalPages(t *testing.T) {
	meta := Normalize(1, 10).Meta(21)
	if meta.TotalPages != 3 {
		t.Fatalf("unexpected total pages: %d", meta.TotalPages)
	}
	if empty := Normalize(1, 10).Meta(0); empty.TotalPages != 0 {
		t.Fatalf("unexpected total pages for empty set: %d", empty.TotalPages)
	}
}
