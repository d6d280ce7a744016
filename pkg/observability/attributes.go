package observability

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on reflex instruments and spans.
var (
	AttrDecision = attribute.Key("reflex.injector.decision")
	AttrReason   = attribute.Key("reflex.injector.reason")

	AttrState = attribute.Key("reflex.governance.state")
	AttrTier  = attribute.Key("reflex.governance.tier")
	AttrTool  = attribute.Key("reflex.governance.tool")

	AttrHealth = attribute.Key("reflex.ops.health")
	AttrPhase  = attribute.Key("reflex.orchestration.phase")
)

// ToolCall creates span attributes for a governed tool call.
func ToolCall(tool, tier string) []attribute.KeyValue {
	return []attribute.KeyValue{AttrTool.String(tool), AttrTier.String(tier)}
}
