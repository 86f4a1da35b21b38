package degradation

import "fmt"

// Recommendations returns operator guidance for the committed state, most
// pressing first.
func (c *Controller) Recommendations() []string {
	st := c.Current()
	var out []string
	if st.Forced {
		out = append(out, fmt.Sprintf("Level %s was forced (%s); it stays until the cool-down lapses and metrics disagree.", st.Level, st.Reason))
	}
	level := st.Level
	if st.Pending != nil {
		level = *st.Pending
		out = append(out, fmt.Sprintf("Metrics point to %s; %s holds until the cool-down lapses.", level, st.Level))
	}
	if level == Optimal && len(st.Triggers) == 0 {
		return append(out, "System is operating normally; no action needed.")
	}

	m := st.Metrics
	for _, d := range st.Triggers {
		switch d {
		case DimensionMemory:
			out = append(out,
				fmt.Sprintf("Memory at %.0fMB reached the %s threshold (%.0fMB); close other applications or use a smaller quantized model.",
					m.MemoryMB, level, c.memory[level]),
				fmt.Sprintf("Context window is reduced to %d tokens; narrow questions to one subject to keep answers grounded.", st.ContextTokens),
			)
		case DimensionLatency:
			out = append(out,
				fmt.Sprintf("Mean response time is %.1fs; submit fewer concurrent questions (batch size now %d).", m.LatencySeconds, st.BatchSize),
				"Prefer shorter questions; answers are capped at a shorter length while latency is high.",
			)
		case DimensionTokenRate:
			out = append(out,
				fmt.Sprintf("Generation runs at %.1f tokens/s; model threads are reduced to %d to limit contention.", m.TokensPerSecond, st.Threads),
				"Check for other CPU-heavy processes on the device.",
			)
		}
	}
	if m.CPUPercent >= 90 {
		out = append(out, fmt.Sprintf("CPU usage is %.0f%%; background indexing should wait until load drops.", m.CPUPercent))
	}
	if len(out) == 0 {
		out = append(out, fmt.Sprintf("Operating at %s level with reduced capacity.", st.Level))
	}
	return out
}
