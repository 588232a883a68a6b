package validate

import (
	"errors"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

type sampleInput struct {
	Code  string `json:"code" validate:"required,slug_code"`
	Limit int    `json:"usage_limit" validate:"required,min=1"`
	Tiers []struct {
		Name string `json:"name" validate:"required"`
	} `json:"tiers" validate:"dive"`
}

func TestStructReportsJSONFieldNames(t *testing.T) {
	v := New()
	in := sampleInput{Code: "bad code!"}
	in.Tiers = append(in.Tiers, struct {
		Name string `json:"name" validate:"required"`
	}{})

	err := v.Struct(in)
	var vErr *Error
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *Error, got %T %v", err, err)
	}
	for _, key := range []string{"code", "usage_limit", "tiers[0].name"} {
		if _, ok := vErr.Fields[key]; !ok {
			t.Fatalf("missing field error for %s: %+v", key, vErr.Fields)
		}
	}
	if vErr.Fields["usage_limit"] != "usage_limit is a required field" {
		t.Fatalf("unexpected message: %q", vErr.Fields["usage_limit"])
	}
}

func TestStructPassesValidInput(t *testing.T) {
	if err := New().Struct(sampleInput{Code: "SAVE_10", Limit: 3}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type window struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

func TestRegisterStructRule(t *testing.T) {
	v := New()
	v.RegisterMessage("after_start", "{0} must be after start")
	v.RegisterStructRule(func(sl validator.StructLevel) {
		w := sl.Current().Interface().(window)
		if w.End < w.Start {
			sl.ReportError(w.End, "end", "End", "after_start", "")
		}
	}, window{})

	err := v.Struct(window{Start: 5, End: 1})
	var vErr *Error
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if vErr.Fields["end"] != "end must be after start" {
		t.Fatalf("unexpected message: %+v", vErr.Fields)
	}
}

type priced struct {
	Price decimal.Decimal `json:"price" validate:"gte=0,lte=100"`
}

func TestDecimalFieldsValidateAsNumbers(t *testing.T) {
	v := New()
	if err := v.Struct(priced{Price: decimal.RequireFromString("99.5")}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := v.Struct(priced{Price: decimal.NewFromInt(-1)})
	var vErr *Error
	if !errors.As(err, &vErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if _, ok := vErr.Fields["price"]; !ok {
		t.Fatalf("missing price error: %+v", vErr.Fields)
	}
	if err := v.Struct(priced{Price: decimal.NewFromInt(101)}); err == nil {
		t.Fatalf("expected upper bound error")
	}
}
