package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Account identifies a remote catalog account (server address + credentials).
type Account struct {
	Name     string `mapstructure:"name"`
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// ID returns a short stable identity derived from the normalized server address
// and username. The password is not part of the identity.
func (a Account) ID() string {
	server := strings.TrimRight(strings.ToLower(strings.TrimSpace(a.URL)), "/")
	normalized := server + "|" + strings.ToLower(strings.TrimSpace(a.Username))
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:6])
}

// IsComplete reports whether the account has everything needed to talk to the server.
func (a Account) IsComplete() bool {
	return a.URL != "" && a.Username != "" && a.Password != ""
}

// DisplayName returns the profile name, falling back to user@server.
func (a Account) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.Username + "@" + a.URL
}
