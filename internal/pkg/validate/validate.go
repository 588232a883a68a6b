package validate

import (
	"errors"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	entranslations "github.com/go-playground/validator/v10/translations/en"
	"github.com/shopspring/decimal"
)

const (
	slugCodeTag  = "slug_code"
	slugCodeText = "{0} may only contain letters, digits, dashes and underscores"
)

var slugCodeRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Error carries one message per offending field, keyed by the JSON path of the field.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
	mu         sync.Mutex
}

var defaultValidator = New()

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	english := en.New()
	uni := ut.New(english, english)
	translator, _ := uni.GetTranslator("en")
	_ = entranslations.RegisterDefaultTranslations(v, translator)

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return fld.Name
		}
		return name
	})

	// Amounts validate as numbers, so gte/lte tags work on decimal fields.
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		d, ok := field.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})

	out := &Validator{validate: v, translator: translator}
	out.RegisterTag(slugCodeTag, slugCodeText, func(fl validator.FieldLevel) bool {
		return slugCodeRegex.MatchString(fl.Field().String())
	})
	return out
}

// RegisterTag adds a field-level rule with its english message. {0} is replaced by the field name.
func (v *Validator) RegisterTag(tag, text string, fn validator.Func) {
	v.mu.Lock()
	defer v.mu.Unlock()

	_ = v.validate.RegisterValidation(tag, fn)
	v.registerTranslation(tag, text)
}

// RegisterStructRule adds a struct-level rule. Rules report errors with sl.ReportError and a tag
// that was registered through RegisterMessage.
func (v *Validator) RegisterStructRule(fn validator.StructLevelFunc, types ...any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.validate.RegisterStructValidation(fn, types...)
}

func (v *Validator) RegisterMessage(tag, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.registerTranslation(tag, text)
}

func (v *Validator) registerTranslation(tag, text string) {
	_ = v.validate.RegisterTranslation(
		tag, v.translator,
		func(t ut.Translator) error { return t.Add(tag, text, true) },
		func(t ut.Translator, fe validator.FieldError) string {
			s, _ := t.T(tag, fe.Field())
			return s
		},
	)
}

// Struct returns nil or an *Error.
func (v *Validator) Struct(s any) error {
	err := v.validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	out := &Error{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		path := fieldPath(fe.Namespace())
		if _, exists := out.Fields[path]; exists {
			continue
		}
		out.Fields[path] = fe.Translate(v.translator)
	}
	return out
}

func Default() *Validator {
	return defaultValidator
}

func Struct(s any) error {
	return defaultValidator.Struct(s)
}

func Required(value string) bool {
	return strings.TrimSpace(value) != ""
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
