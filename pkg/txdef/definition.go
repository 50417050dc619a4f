package txdef

import (
	"fmt"
	"regexp"
)

// EndpointNotImplemented is the sentinel endpoint value for side effects that
// are declared but have no backing API yet. Executing such an effect is
// always a skip, never a failure.
const EndpointNotImplemented = "Not implemented"

// ValueSource kinds.
const (
	SourceLiteral = "literal"
	SourceContext = "context"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// ValueSource is a tagged union describing where a request body field comes
// from: either a literal value embedded in the definition, or a dotted path
// resolved against the submission context at execution time.
type ValueSource struct {
	Source string `json:"source" yaml:"source"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`
	Path   string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Literal builds a literal-valued ValueSource.
func Literal(v any) ValueSource {
	return ValueSource{Source: SourceLiteral, Value: v}
}

// FromContext builds a context-path ValueSource.
func FromContext(path string) ValueSource {
	return ValueSource{Source: SourceContext, Path: path}
}

// Validate checks that exactly one side of the union is populated.
func (v ValueSource) Validate() error {
	switch v.Source {
	case SourceLiteral:
		if v.Path != "" {
			return fmt.Errorf("literal value source must not carry a path (got %q)", v.Path)
		}
	case SourceContext:
		if v.Path == "" {
			return fmt.Errorf("context value source requires a path")
		}
	default:
		return fmt.Errorf("unknown value source %q", v.Source)
	}
	return nil
}

// Condition gates a side effect on a value in the submission context's build
// inputs. Equals may be a single scalar or a list of scalars; matching is
// equality only.
type Condition struct {
	Path   string `json:"path" yaml:"path"`
	Equals any    `json:"equals" yaml:"equals"`
}

// Matches reports whether v equals the condition's expected scalar, or any
// element when Equals is a list. An absent value (nil) never matches.
func (c Condition) Matches(v any) bool {
	if v == nil {
		return false
	}
	switch want := c.Equals.(type) {
	case []any:
		for _, w := range want {
			if scalarEqual(v, w) {
				return true
			}
		}
		return false
	case []string:
		for _, w := range want {
			if scalarEqual(v, w) {
				return true
			}
		}
		return false
	default:
		return scalarEqual(v, want)
	}
}

// scalarEqual compares two scalars, normalizing numeric types so that values
// decoded from JSON (float64) and YAML (int) compare equal.
func scalarEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// SideEffect is a declarative instruction to call an external API when a
// transaction reaches a lifecycle phase. Endpoint is a URL template with
// {name} placeholders; PathParams maps each placeholder to a dotted context
// path. Critical effects block forward progress when they fail.
type SideEffect struct {
	Label      string                 `json:"label" yaml:"label"`
	Method     string                 `json:"method" yaml:"method"`
	Endpoint   string                 `json:"endpoint" yaml:"endpoint"`
	PathParams map[string]string      `json:"path_params,omitempty" yaml:"path_params,omitempty"`
	Body       map[string]ValueSource `json:"body,omitempty" yaml:"body,omitempty"`
	Condition  *Condition             `json:"condition,omitempty" yaml:"condition,omitempty"`
	Critical   bool                   `json:"critical,omitempty" yaml:"critical,omitempty"`
}

// NotImplemented reports whether the effect's endpoint is the skip sentinel.
func (s SideEffect) NotImplemented() bool {
	return s.Endpoint == EndpointNotImplemented
}

// Validate checks the effect's internal consistency: every declared path
// param must appear in the endpoint template, every placeholder must have a
// param, and every body value source must be well-formed. This runs once at
// registration; a definition that passes never produces these errors at
// execution time.
func (s SideEffect) Validate() error {
	if s.Label == "" {
		return fmt.Errorf("side effect requires a label")
	}
	if s.NotImplemented() {
		return nil
	}
	if s.Method == "" {
		return fmt.Errorf("side effect %q requires a method", s.Label)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("side effect %q requires an endpoint", s.Label)
	}

	placeholders := map[string]bool{}
	for _, m := range placeholderPattern.FindAllStringSubmatch(s.Endpoint, -1) {
		placeholders[m[1]] = true
	}
	for name := range s.PathParams {
		if !placeholders[name] {
			return fmt.Errorf("side effect %q: path param %q does not appear in endpoint %q", s.Label, name, s.Endpoint)
		}
	}
	for name := range placeholders {
		if _, ok := s.PathParams[name]; !ok {
			return fmt.Errorf("side effect %q: endpoint placeholder {%s} has no path param", s.Label, name)
		}
	}
	for field, src := range s.Body {
		if err := src.Validate(); err != nil {
			return fmt.Errorf("side effect %q: body field %q: %w", s.Label, field, err)
		}
	}
	if s.Condition != nil {
		if s.Condition.Path == "" {
			return fmt.Errorf("side effect %q: condition requires a path", s.Label)
		}
		if s.Condition.Equals == nil {
			return fmt.Errorf("side effect %q: condition requires an equals value", s.Label)
		}
	}
	return nil
}

// ProtocolSpec identifies the on-chain protocol a transaction type belongs to
// and the wallet capabilities it requires.
type ProtocolSpec struct {
	ProtocolID           string   `json:"protocol_id" yaml:"protocol_id"`
	RequiredCapabilities []string `json:"required_capabilities,omitempty" yaml:"required_capabilities,omitempty"`
}

// BuildConfig describes how a transaction of this type is built by the
// external wallet SDK: the builder endpoint, the JSON Schemas for its build
// and side-effect parameters, and a cost estimate surfaced to callers.
type BuildConfig struct {
	ParamsSchema           map[string]any `json:"params_schema,omitempty" yaml:"params_schema,omitempty"`
	SideEffectParamsSchema map[string]any `json:"side_effect_params_schema,omitempty" yaml:"side_effect_params_schema,omitempty"`
	BuilderEndpoint        string         `json:"builder_endpoint" yaml:"builder_endpoint"`
	EstimatedCost          string         `json:"estimated_cost,omitempty" yaml:"estimated_cost,omitempty"`
}

// Metadata carries display information for catalogs and operator tooling.
type Metadata struct {
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// Definition is the immutable description of one transaction type: how it is
// built and which side effects run at each lifecycle phase. Definitions are
// data, not code; the registry validates them once at registration.
type Definition struct {
	TxType         string       `json:"tx_type" yaml:"tx_type"`
	Role           string       `json:"role,omitempty" yaml:"role,omitempty"`
	Protocol       ProtocolSpec `json:"protocol" yaml:"protocol"`
	Build          BuildConfig  `json:"build" yaml:"build"`
	OnSubmit       []SideEffect `json:"on_submit,omitempty" yaml:"on_submit,omitempty"`
	OnConfirmation []SideEffect `json:"on_confirmation,omitempty" yaml:"on_confirmation,omitempty"`
	Meta           Metadata     `json:"meta,omitempty" yaml:"meta,omitempty"`
}

// Validate checks the definition's static consistency. Schema compilation is
// the registry's job; this covers everything else.
func (d *Definition) Validate() error {
	if d.TxType == "" {
		return fmt.Errorf("definition requires a tx_type")
	}
	for i, se := range d.OnSubmit {
		if err := se.Validate(); err != nil {
			return fmt.Errorf("definition %q: on_submit[%d]: %w", d.TxType, i, err)
		}
	}
	for i, se := range d.OnConfirmation {
		if err := se.Validate(); err != nil {
			return fmt.Errorf("definition %q: on_confirmation[%d]: %w", d.TxType, i, err)
		}
	}
	return nil
}
