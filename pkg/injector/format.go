package injector

import (
	"strings"

	"github.com/Mindburn-Labs/reflex/pkg/events"
)

// Format renders ev as the text injected into the conversation:
// "[source/kind] payload summary key=value ...". The trigger tag is omitted.
func Format(ev events.Event) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(ev.Source))
	b.WriteString("/")
	b.WriteString(string(ev.Kind))
	b.WriteString("]")
	if ev.Payload != nil {
		b.WriteString(" ")
		b.WriteString(ev.Payload.Summary())
	}
	for _, f := range ev.Metadata {
		if f.Key == events.MetaTrigger {
			continue
		}
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.Value)
	}
	return b.String()
}
