package v1

import (
	"strconv"
	"strings"
)

// DefaultNamespace prefixes routing keys and store keys when none is configured.
const DefaultNamespace = "wbot"

// EventRoutingKey returns "<ns>.<tenantId>.<sessionId>.<type>".
// Empty tenants are published under "_" so the key keeps four leading words.
func EventRoutingKey(ns string, tenantID TenantID, sessionID int64, eventType string) string {
	tenant := strings.TrimSpace(string(tenantID))
	if tenant == "" {
		tenant = "_"
	}
	return namespace(ns) + "." + tenant + "." + strconv.FormatInt(sessionID, 10) + "." + eventType
}

// CommandRoutingKey returns "<ns>.<tenantId>.<sessionId>.<type>" for a command.
func CommandRoutingKey(ns string, tenantID TenantID, sessionID int64, commandType string) string {
	return EventRoutingKey(ns, tenantID, sessionID, commandType)
}

// CommandWildcard matches every tenant/session scoped command key.
func CommandWildcard(ns string) string {
	return namespace(ns) + ".*.*.#"
}

// GeneralCommandKey is the fixed binding for commands not scoped to a session key.
func GeneralCommandKey(ns string) string {
	return namespace(ns) + ".command"
}

func namespace(ns string) string {
	ns = strings.TrimSpace(ns)
	if ns == "" {
		return DefaultNamespace
	}
	return ns
}
