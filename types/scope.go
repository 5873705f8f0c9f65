package types

import "strings"

// Scope is a policy's targeting predicate. Empty include sets mean
// "no restriction on this dimension"; any exclude match wins outright.
type Scope struct {
	IncludeAccounts []string            `json:"include_accounts,omitempty" yaml:"include_accounts,omitempty"`
	ExcludeAccounts []string            `json:"exclude_accounts,omitempty" yaml:"exclude_accounts,omitempty"`
	IncludeTags     map[string][]string `json:"include_tags,omitempty" yaml:"include_tags,omitempty"`
	ExcludeTags     map[string][]string `json:"exclude_tags,omitempty" yaml:"exclude_tags,omitempty"`
	IncludeOUPaths  []string            `json:"include_ou_paths,omitempty" yaml:"include_ou_paths,omitempty"`
	ExcludeOUPaths  []string            `json:"exclude_ou_paths,omitempty" yaml:"exclude_ou_paths,omitempty"`
}

// Matches reports whether a resource falls inside the scope.
// Pure and deterministic: the result depends only on the scope and the
// three resource attributes passed in.
func (s Scope) Matches(accountID string, tags map[string]string, ouPath string) bool {
	if !s.accountInScope(accountID) {
		return false
	}
	if !s.tagsInScope(tags) {
		return false
	}
	return s.ouPathInScope(ouPath)
}

func (s Scope) accountInScope(accountID string) bool {
	for _, excluded := range s.ExcludeAccounts {
		if accountID == excluded {
			return false
		}
	}
	if len(s.IncludeAccounts) == 0 {
		return true
	}
	for _, included := range s.IncludeAccounts {
		if accountID == included {
			return true
		}
	}
	return false
}

func (s Scope) tagsInScope(tags map[string]string) bool {
	// Exclude first: any matching key/value pair is an automatic non-match
	for key, values := range s.ExcludeTags {
		if tagValue, ok := tags[key]; ok && containsString(values, tagValue) {
			return false
		}
	}

	// Every included tag key must have one of its values on the resource
	for key, values := range s.IncludeTags {
		tagValue, ok := tags[key]
		if !ok || !containsString(values, tagValue) {
			return false
		}
	}
	return true
}

func (s Scope) ouPathInScope(ouPath string) bool {
	for _, excluded := range s.ExcludeOUPaths {
		if ouPath != "" && strings.HasPrefix(ouPath, excluded) {
			return false
		}
	}
	if len(s.IncludeOUPaths) == 0 {
		return true
	}
	for _, included := range s.IncludeOUPaths {
		if ouPath != "" && strings.HasPrefix(ouPath, included) {
			return true
		}
	}
	return false
}

// IsZero reports whether the scope places no restriction at all
func (s Scope) IsZero() bool {
	return len(s.IncludeAccounts) == 0 && len(s.ExcludeAccounts) == 0 &&
		len(s.IncludeTags) == 0 && len(s.ExcludeTags) == 0 &&
		len(s.IncludeOUPaths) == 0 && len(s.ExcludeOUPaths) == 0
}

// Validate rejects malformed scopes before they reach the policy registry
func (s Scope) Validate() error {
	for key, values := range s.IncludeTags {
		if key == "" || len(values) == 0 {
			return errEmptyTagRule("include_tags")
		}
	}
	for key, values := range s.ExcludeTags {
		if key == "" || len(values) == 0 {
			return errEmptyTagRule("exclude_tags")
		}
	}
	return nil
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
