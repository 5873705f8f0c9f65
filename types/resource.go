package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Resource is the last-observed configuration of one cloud object.
// Identity is the composite key (AccountService, ARN).
type Resource struct {
	AccountService string            `json:"account_service"`
	ARN            string            `json:"arn"`
	Configuration  json.RawMessage   `json:"configuration"`
	LastSeenAt     time.Time         `json:"last_seen_at"`
	DescribeTime   time.Time         `json:"describe_time"`
	Tags           map[string]string `json:"tags,omitempty"`
	OUPath         string            `json:"ou_path,omitempty"`

	// MissedSweeps counts consecutive full sweeps that did not observe
	// this resource. Findings are resolved only after the configured
	// number of confirming sweeps, not on the first miss.
	MissedSweeps int  `json:"missed_sweeps,omitempty"`
	Deleted      bool `json:"deleted,omitempty"`
}

// AccountID returns the account half of the AccountService key.
func (r *Resource) AccountID() string {
	account, _ := SplitAccountService(r.AccountService)
	return account
}

// Service returns the service half of the AccountService key.
func (r *Resource) Service() string {
	_, service := SplitAccountService(r.AccountService)
	return service
}

// MakeAccountService builds the composite partition key "{account}_{service}".
func MakeAccountService(accountID, service string) string {
	return accountID + "_" + service
}

// SplitAccountService splits "{account}_{service}" back into its parts.
// The account ID never contains underscores, so the first separator wins.
func SplitAccountService(accountService string) (accountID, service string) {
	for i := 0; i < len(accountService); i++ {
		if accountService[i] == '_' {
			return accountService[:i], accountService[i+1:]
		}
	}
	return accountService, ""
}

// ResourceFilter narrows resource queries
type ResourceFilter struct {
	AccountID string `json:"account_id,omitempty"`
	Service   string `json:"service,omitempty"`
}

// ChangeEvent is a resource-change notification from an upstream collaborator.
// Delivery is at-least-once: duplicates and reordering are expected.
type ChangeEvent struct {
	ARN       string    `json:"arn"`
	AccountID string    `json:"account_id"`
	Service   string    `json:"service"`
	EventTime time.Time `json:"event_time"`
}

// Validate checks the event carries everything the incremental path needs.
func (e ChangeEvent) Validate() error {
	if e.ARN == "" {
		return fmt.Errorf("%w: change event missing arn", ErrValidation)
	}
	if e.AccountID == "" {
		return fmt.Errorf("%w: change event missing account id", ErrValidation)
	}
	if e.Service == "" {
		return fmt.Errorf("%w: change event missing service", ErrValidation)
	}
	return nil
}
