package types

import (
	"errors"
	"testing"
)

func TestSplitAccountService(t *testing.T) {
	tests := []struct {
		input       string
		wantAccount string
		wantService string
	}{
		{"123456789012_s3", "123456789012", "s3"},
		{"123456789012_ec2", "123456789012", "ec2"},
		{"noseparator", "noseparator", ""},
	}

	for _, tt := range tests {
		account, service := SplitAccountService(tt.input)
		if account != tt.wantAccount || service != tt.wantService {
			t.Errorf("SplitAccountService(%q) = (%q, %q), want (%q, %q)",
				tt.input, account, service, tt.wantAccount, tt.wantService)
		}
	}
}

func TestMakeAccountService_RoundTrip(t *testing.T) {
	key := MakeAccountService("123456789012", "iam")
	account, service := SplitAccountService(key)
	if account != "123456789012" || service != "iam" {
		t.Errorf("round trip failed: got (%q, %q)", account, service)
	}
}

func TestChangeEvent_Validate(t *testing.T) {
	valid := ChangeEvent{ARN: "arn:aws:s3:::bucket", AccountID: "123456789012", Service: "s3"}
	if err := valid.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}

	missing := ChangeEvent{AccountID: "123456789012", Service: "s3"}
	err := missing.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing arn")
	}
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Validate() error should be ErrValidation, got %v", err)
	}
}

func TestParseARN(t *testing.T) {
	tests := []struct {
		arn         string
		wantAccount string
		wantService string
		wantErr     bool
	}{
		{"arn:aws:iam::123456789012:user/alice", "123456789012", "iam", false},
		{"arn:aws:ec2:us-east-1:123456789012:volume/vol-123", "123456789012", "ec2", false},
		{"arn:aws:s3:::my-bucket", "", "s3", false},
		{"not-an-arn", "", "", true},
		{"arn:aws:s3", "", "", true},
	}

	for _, tt := range tests {
		account, service, err := ParseARN(tt.arn)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseARN(%q) error = %v, wantErr %v", tt.arn, err, tt.wantErr)
			continue
		}
		if account != tt.wantAccount || service != tt.wantService {
			t.Errorf("ParseARN(%q) = (%q, %q), want (%q, %q)",
				tt.arn, account, service, tt.wantAccount, tt.wantService)
		}
	}
}

func TestLevelForSeverity(t *testing.T) {
	tests := []struct {
		severity int
		want     SeverityLevel
	}{
		{95, SeverityCritical},
		{90, SeverityCritical},
		{89, SeverityHigh},
		{50, SeverityHigh},
		{49, SeverityMedium},
		{25, SeverityMedium},
		{24, SeverityLow},
		{0, SeverityLow},
	}

	for _, tt := range tests {
		if got := LevelForSeverity(tt.severity); got != tt.want {
			t.Errorf("LevelForSeverity(%d) = %v, want %v", tt.severity, got, tt.want)
		}
	}
}
