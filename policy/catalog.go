package policy

import (
	"sort"

	"github.com/yairfalse/vahti/types"
)

// Built-in policy definitions. The map key doubles as the policy ID.
var catalog = map[string]types.PolicyDefinition{
	"S3BucketPublic": {
		PolicyID:    "S3BucketPublic",
		Description: "S3 bucket allows public access",
		Service:     "s3",
		Category:    "data-exposure",
		Severity:    90,
		Remediation: "Enable all four settings of the bucket's public access block:\n" +
			"`aws s3api put-public-access-block --bucket <name> --public-access-block-configuration BlockPublicAcls=true,IgnorePublicAcls=true,BlockPublicPolicy=true,RestrictPublicBuckets=true`",
	},
	"S3BucketVersioning": {
		PolicyID:    "S3BucketVersioning",
		Description: "S3 bucket versioning is not enabled",
		Service:     "s3",
		Category:    "data-protection",
		Severity:    40,
		Remediation: "Enable versioning so deleted or overwritten objects can be recovered:\n" +
			"`aws s3api put-bucket-versioning --bucket <name> --versioning-configuration Status=Enabled`",
	},
	"S3BucketEncryptionDisabled": {
		PolicyID:    "S3BucketEncryptionDisabled",
		Description: "S3 bucket has no default server-side encryption",
		Service:     "s3",
		Category:    "encryption",
		Severity:    60,
		Remediation: "Configure default encryption with SSE-S3 or SSE-KMS:\n" +
			"`aws s3api put-bucket-encryption --bucket <name> --server-side-encryption-configuration '{\"Rules\":[{\"ApplyServerSideEncryptionByDefault\":{\"SSEAlgorithm\":\"aws:kms\"}}]}'`",
	},
	"S3BucketMFADeleteDisabled": {
		PolicyID:    "S3BucketMFADeleteDisabled",
		Description: "S3 bucket does not require MFA for object deletion",
		Service:     "s3",
		Category:    "data-protection",
		Severity:    30,
		Remediation: "Enable MFA delete on the bucket's versioning configuration. This requires the root account's MFA device:\n" +
			"`aws s3api put-bucket-versioning --bucket <name> --versioning-configuration Status=Enabled,MFADelete=Enabled --mfa \"<serial> <code>\"`",
	},
	"IAMUserMFADisabled": {
		PolicyID:    "IAMUserMFADisabled",
		Description: "IAM user with console access has no MFA device",
		Service:     "iam",
		Category:    "identity",
		Severity:    70,
		Remediation: "Assign a virtual or hardware MFA device to the user, or remove the user's console password if the user is programmatic-only.",
	},
	"IAMAccessKeyRotated": {
		PolicyID:    "IAMAccessKeyRotated",
		Description: "IAM user has an active access key older than 90 days",
		Service:     "iam",
		Category:    "identity",
		Severity:    50,
		Remediation: "Create a replacement key, migrate callers, then deactivate and delete the old key:\n" +
			"`aws iam create-access-key --user-name <name>` then `aws iam update-access-key --status Inactive --access-key-id <old>`",
	},
	"EC2UnencryptedEBS": {
		PolicyID:    "EC2UnencryptedEBS",
		Description: "EBS volume is not encrypted at rest",
		Service:     "ec2",
		Category:    "encryption",
		Severity:    55,
		Remediation: "Snapshot the volume, copy the snapshot with encryption enabled, and restore a new volume from the encrypted copy. Enable EBS encryption by default for the region to prevent recurrence.",
	},
	"RDSPublicAccess": {
		PolicyID:    "RDSPublicAccess",
		Description: "RDS instance is publicly accessible",
		Service:     "rds",
		Category:    "data-exposure",
		Severity:    85,
		Remediation: "Disable public accessibility and route access through private subnets:\n" +
			"`aws rds modify-db-instance --db-instance-identifier <id> --no-publicly-accessible --apply-immediately`",
	},
}

// Definition looks up one catalog entry by policy ID
func Definition(policyID string) (types.PolicyDefinition, bool) {
	def, ok := catalog[policyID]
	return def, ok
}

// Catalog returns every built-in definition sorted by policy ID
func Catalog() []types.PolicyDefinition {
	defs := make([]types.PolicyDefinition, 0, len(catalog))
	for _, def := range catalog {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].PolicyID < defs[j].PolicyID })
	return defs
}

// builtinEvaluators maps each catalog policy to its native evaluator
func builtinEvaluators() map[string]Evaluator {
	return map[string]Evaluator{
		"S3BucketPublic":             EvaluatorFunc(evaluateS3BucketPublic),
		"S3BucketVersioning":         EvaluatorFunc(evaluateS3BucketVersioning),
		"S3BucketEncryptionDisabled": EvaluatorFunc(evaluateS3BucketEncryption),
		"S3BucketMFADeleteDisabled":  EvaluatorFunc(evaluateS3BucketMFADelete),
		"IAMUserMFADisabled":         EvaluatorFunc(evaluateIAMUserMFA),
		"IAMAccessKeyRotated":        EvaluatorFunc(evaluateIAMAccessKeyAge),
		"EC2UnencryptedEBS":          EvaluatorFunc(evaluateEBSEncryption),
		"RDSPublicAccess":            EvaluatorFunc(evaluateRDSPublicAccess),
	}
}
