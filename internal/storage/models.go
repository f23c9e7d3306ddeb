package storage

import "time"

// BoundAccount links one chat identity to one panel account. The API key is
// stored sealed (crypto envelope JSON), never in plaintext.
type BoundAccount struct {
	ChatUserID   string
	PanelUserID  int64
	APIKeySealed string
	BoundAt      time.Time
}

// OwnedServer is a locally cached record of a server the bot created for a
// chat identity. The panel stays authoritative for server existence; this is
// a convenience index only.
type OwnedServer struct {
	ChatUserID string
	ServerUUID string
	ServerName string
	CreatedAt  time.Time
}

type AuditEntry struct {
	ChatUserID string
	Action     string
	MetaJSON   string
}
