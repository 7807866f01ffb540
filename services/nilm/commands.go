package nilm

import (
	"log"

	"github.com/barnybug/gonilm/pubsub"
	"github.com/barnybug/gonilm/services"
)

// handleCommands services gateway commands from the bus until the
// subscription closes. "republish" re-sends every device state to home
// assistant, "status" reports the pipeline counters as a bus event.
func (s *Service) handleCommands() {
	for ev := range s.commands {
		switch command := ev.StringField("command"); command {
		case "republish":
			states := s.pipeline.States()
			for _, state := range states {
				s.pub.StateRefresh(state)
			}
			log.Printf("nilm: republished %d device states on request", len(states))
		case "status":
			status := s.pipeline.Health()
			services.Publisher.Emit(pubsub.NewEvent("status", pubsub.Fields{
				"device":      "nilm",
				"samples":     status.Samples,
				"windows":     status.Windows,
				"gaps":        status.Gaps,
				"faults":      status.Faults,
				"drops":       status.Drops,
				"transitions": status.Transitions,
			}))
		default:
			log.Printf("nilm: unknown command: %q", command)
		}
	}
}
