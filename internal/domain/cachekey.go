package domain

import (
	"net/url"
	"sort"
	"strings"
)

// Scope labels which kind of catalog data a cache key covers.
type Scope string

const (
	ScopeCategories Scope = "categories"
	ScopeItems      Scope = "items"
	ScopeEpisodes   Scope = "episodes"
)

// Param is a single named cache key parameter.
type Param struct {
	Name  string
	Value string
}

// CacheKey is (account identity, scope, params sorted by name).
type CacheKey struct {
	Account string
	Scope   Scope
	Params  []Param
}

// NewCacheKey builds a key with parameters normalized by name so equivalent
// queries always render identically.
func NewCacheKey(account Account, scope Scope, params map[string]string) CacheKey {
	key := CacheKey{Account: account.ID(), Scope: scope}
	for name, value := range params {
		key.Params = append(key.Params, Param{Name: name, Value: value})
	}
	sort.Slice(key.Params, func(i, j int) bool {
		return key.Params[i].Name < key.Params[j].Name
	})
	return key
}

// String renders the key as "<account>/<scope>?a=1&b=2".
func (k CacheKey) String() string {
	var b strings.Builder
	b.WriteString(AccountPrefix(k.Account))
	b.WriteString(string(k.Scope))
	for i, p := range k.Params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.Name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.Value))
	}
	return b.String()
}

// AccountPrefix is the key prefix shared by every entry of one account.
func AccountPrefix(accountID string) string {
	return accountID + "/"
}

// ScopePrefix is the key prefix shared by every entry of one scope within an account.
func ScopePrefix(accountID string, scope Scope) string {
	return AccountPrefix(accountID) + string(scope)
}
