package protocol

import "strings"

const (
	UserServer      = "s.whatsapp.net"
	LegacyServer    = "c.us"
	GroupServer     = "g.us"
	LIDServer       = "lid"
	BroadcastServer = "broadcast"

	StatusBroadcast = "status@broadcast"
)

// NormalizeJID turns a phone number or address into the canonical user address.
// Group, lid and broadcast addresses keep their server; device suffixes are dropped.
// It returns "" when s holds neither an address nor any digit.
func NormalizeJID(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	user, server, ok := strings.Cut(s, "@")
	if !ok {
		digits := digitsOnly(s)
		if digits == "" {
			return ""
		}
		return digits + "@" + UserServer
	}

	server = strings.ToLower(server)
	if server == LegacyServer {
		server = UserServer
	}
	if server == UserServer || server == LIDServer {
		if i := strings.IndexByte(user, ':'); i >= 0 {
			user = user[:i]
		}
		if i := strings.IndexByte(user, '_'); i >= 0 {
			user = user[:i]
		}
	}
	if user == "" {
		return ""
	}
	return user + "@" + server
}

func IsGroupJID(jid string) bool { return strings.HasSuffix(jid, "@"+GroupServer) }

func IsLIDJID(jid string) bool { return strings.HasSuffix(jid, "@"+LIDServer) }

func IsBroadcastJID(jid string) bool { return strings.HasSuffix(jid, "@"+BroadcastServer) }

func IsUserJID(jid string) bool { return strings.HasSuffix(jid, "@"+UserServer) }

// JIDUser returns the user part without device suffix: "5511999@s.whatsapp.net" -> "5511999".
func JIDUser(jid string) string {
	user, _, _ := strings.Cut(jid, "@")
	if i := strings.IndexByte(user, ':'); i >= 0 {
		user = user[:i]
	}
	return user
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
