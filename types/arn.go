package types

import (
	"fmt"
	"strings"
)

// ParseARN extracts the account ID and service from an AWS ARN.
// Format: arn:partition:service:region:account-id:resource.
// S3 ARNs (arn:aws:s3:::bucket) carry no account ID; callers that
// already know the account should prefer the event's account field.
func ParseARN(arn string) (accountID, service string, err error) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) < 6 || parts[0] != "arn" {
		return "", "", fmt.Errorf("%w: malformed arn %q", ErrValidation, arn)
	}
	return parts[4], parts[2], nil
}

// ServiceFromARN returns just the service field, tolerating missing accounts.
func ServiceFromARN(arn string) (string, error) {
	_, service, err := ParseARN(arn)
	if err != nil {
		return "", err
	}
	if service == "" {
		return "", fmt.Errorf("%w: arn %q has no service", ErrValidation, arn)
	}
	return service, nil
}
