package config

// DefaultEnvAliases returns the canonical alias map used across binaries to
// resolve environment variable names left over from the ottobot era.
func DefaultEnvAliases() map[string][]string {
	aliases := map[string][]string{
		"OTTO_AGENT_ID":       {"OTTOBOT_AGENT_ID"},
		"OTTO_AGENT_DIR":      {"OTTOBOT_AGENT_DIR"},
		"OTTO_STATE_DIR":      {"OTTOBOT_STATE_DIR"},
		"OTTO_OAUTH_DIR":      {"OTTOBOT_OAUTH_DIR"},
		"OTTO_SESSION_SCOPE":  {"OTTO_SCOPE", "OTTOBOT_SESSION_SCOPE"},
		"OTTO_IDLE_MINUTES":   {"OTTOBOT_IDLE_MINUTES"},
		"OTTO_RESET_TRIGGERS": {"OTTOBOT_RESET_TRIGGERS"},
		"OTTO_CHANNEL":        {"OTTOBOT_CHANNEL"},
		"OTTO_ACCOUNT_ID":     {"OTTOBOT_ACCOUNT_ID"},
		"OTTO_ENV":            {"ENVIRONMENT", "NODE_ENV"},
		"OTTO_VERBOSE":        {"VERBOSE"},
	}

	copy := make(map[string][]string, len(aliases))
	for key, list := range aliases {
		copy[key] = append([]string(nil), list...)
	}
	return copy
}

// DefaultEnvLookupWithAliases composes DefaultEnvLookup with DefaultEnvAliases.
func DefaultEnvLookupWithAliases() EnvLookup {
	return AliasEnvLookup(DefaultEnvLookup, DefaultEnvAliases())
}
