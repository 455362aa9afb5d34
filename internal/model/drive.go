package model

import "strings"

// Drive is a named, typed storage partition scoping one conversation,
// channel, or mailbox family. Drives are created lazily on first write.
type Drive struct {
	// Alias names the partition (e.g., a mailbox or channel id).
	Alias string `json:"alias"`

	// Type identifies the partition family (e.g., "mail", "feed",
	// "community").
	Type string `json:"type"`
}

// NewDrive constructs a Drive from its alias and type.
func NewDrive(alias, typ string) Drive {
	return Drive{Alias: alias, Type: typ}
}

// Key returns the stable cache key for the drive, used to scope local
// collections and inbox cursors.
func (d Drive) Key() string {
	return d.Alias + ":" + d.Type
}

// ParseDriveKey splits a key produced by Key back into a Drive.
func ParseDriveKey(key string) Drive {
	alias, typ, _ := strings.Cut(key, ":")
	return Drive{Alias: alias, Type: typ}
}
