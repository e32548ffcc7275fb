package schedule

// Transform rewrites a message body right before delivery.
type Transform func(body string) string

// Continuation appends text to every body. An empty text leaves bodies
// unchanged.
func Continuation(text string) Transform {
	return func(body string) string {
		return body + text
	}
}

// Resolver maps a message target to a session name.
type Resolver func(target string) string

// TeamLookup finds the session that belongs to a team.
type TeamLookup interface {
	SessionForTeam(teamID string) (string, bool)
}

// OrchestratorAlias is the target name that always means the orchestrator
// session.
const OrchestratorAlias = "orchestrator"

// NewResolver resolves, in order: configured aliases, the orchestrator
// alias, team ids known to teams, and finally the target itself as a
// session name.
func NewResolver(aliases map[string]string, orchestrator string, teams TeamLookup) Resolver {
	return func(target string) string {
		if name, ok := aliases[target]; ok {
			return name
		}
		if target == OrchestratorAlias && orchestrator != "" {
			return orchestrator
		}
		if teams != nil {
			if name, ok := teams.SessionForTeam(target); ok {
				return name
			}
		}
		return target
	}
}
