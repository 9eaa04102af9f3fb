package policy

import (
	"errors"
	"fmt"
	"strings"
)

// Policy governs whether AEGIS, BYOLLM, or the client decides routing.
type Policy string

const (
	PolicyNone       Policy = ""
	PolicyChoice     Policy = "choice"
	PolicyBYOLLMOnly Policy = "byollm_only"
	PolicyAEGISOnly  Policy = "aegis_only"
)

var ErrInvalidPolicy = errors.New("invalid policy")

// ParsePolicy accepts the stored spellings. An empty value means the default,
// choice.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyNone:
		return PolicyChoice, nil
	case PolicyChoice, PolicyBYOLLMOnly, PolicyAEGISOnly:
		return p, nil
	default:
		return "", fmt.Errorf("%w %q", ErrInvalidPolicy, s)
	}
}

type Route int

const (
	// RouteAEGIS forwards no BYOLLM fields.
	RouteAEGIS Route = iota
	// RouteBYOLLMStored injects the stored provider, model, key and base URL.
	RouteBYOLLMStored
	// RouteBYOLLMClientModel injects like RouteBYOLLMStored but lets the
	// client's llmModel take precedence over the stored default model.
	RouteBYOLLMClientModel
)

func (r Route) String() string {
	switch r {
	case RouteBYOLLMStored:
		return "byollm_stored"
	case RouteBYOLLMClientModel:
		return "byollm_client_model"
	default:
		return "aegis"
	}
}

type decisionKey struct {
	policy      Policy
	configured  bool
	wantsBYOLLM bool
}

// decisions is the complete routing table. PolicyNone is what an absent
// configuration reads as.
var decisions = map[decisionKey]Route{
	{PolicyNone, false, false}: RouteAEGIS,
	{PolicyNone, false, true}:  RouteAEGIS,
	{PolicyNone, true, false}:  RouteAEGIS,
	{PolicyNone, true, true}:   RouteAEGIS,

	{PolicyAEGISOnly, false, false}: RouteAEGIS,
	{PolicyAEGISOnly, false, true}:  RouteAEGIS,
	{PolicyAEGISOnly, true, false}:  RouteAEGIS,
	{PolicyAEGISOnly, true, true}:   RouteAEGIS,

	{PolicyBYOLLMOnly, false, false}: RouteAEGIS,
	{PolicyBYOLLMOnly, false, true}:  RouteAEGIS,
	{PolicyBYOLLMOnly, true, false}:  RouteBYOLLMStored,
	{PolicyBYOLLMOnly, true, true}:   RouteBYOLLMStored,

	{PolicyChoice, false, false}: RouteAEGIS,
	{PolicyChoice, false, true}:  RouteAEGIS,
	{PolicyChoice, true, false}:  RouteAEGIS,
	{PolicyChoice, true, true}:   RouteBYOLLMClientModel,
}

// Decide looks up the route. Unknown policies route to AEGIS.
func Decide(p Policy, configured, clientWantsBYOLLM bool) Route {
	if r, ok := decisions[decisionKey{p, configured, clientWantsBYOLLM}]; ok {
		return r
	}
	return RouteAEGIS
}
