package ses

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv1 "github.com/aws/aws-sdk-go-v2/service/ses"
	sesv1types "github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// EnsureRuleSet creates the shared receipt rule set if missing and makes it
// the active set. SES allows exactly one active rule set per account, so
// this is called once at startup rather than per domain.
func (c *Client) EnsureRuleSet(ctx context.Context) error {
	ruleSet := c.cfg.ReceiptRuleSet
	_, err := c.receipt.DescribeReceiptRuleSet(ctx, &sesv1.DescribeReceiptRuleSetInput{
		RuleSetName: aws.String(ruleSet),
	})
	if err != nil {
		if !isRuleSetMissing(err) {
			return fmt.Errorf("describing receipt rule set %s: %w", ruleSet, err)
		}
		if _, err := c.receipt.CreateReceiptRuleSet(ctx, &sesv1.CreateReceiptRuleSetInput{
			RuleSetName: aws.String(ruleSet),
		}); err != nil && !isReceiptAlreadyExists(err) {
			return fmt.Errorf("creating receipt rule set %s: %w", ruleSet, err)
		}
		log.Printf("[SES] Created receipt rule set %s", ruleSet)
	}
	if _, err := c.receipt.SetActiveReceiptRuleSet(ctx, &sesv1.SetActiveReceiptRuleSetInput{
		RuleSetName: aws.String(ruleSet),
	}); err != nil {
		return fmt.Errorf("activating receipt rule set %s: %w", ruleSet, err)
	}
	return nil
}

// EnsureDomainRule adds a receipt rule that stores any mail addressed to the
// domain in S3 and notifies the receipt topic. ScanEnabled turns on the SES
// spam and virus verdicts the inbound pipeline reads.
func (c *Client) EnsureDomainRule(ctx context.Context, domain, bucket, prefix string) error {
	rule := &sesv1types.ReceiptRule{
		Name:        aws.String(domainRuleName(domain)),
		Enabled:     true,
		ScanEnabled: true,
		Recipients:  []string{domain},
		Actions: []sesv1types.ReceiptAction{
			{
				S3Action: &sesv1types.S3Action{
					BucketName:      aws.String(bucket),
					ObjectKeyPrefix: aws.String(prefix),
					TopicArn:        topicArnOrNil(c.cfg.ReceiptTopicARN),
				},
			},
		},
	}
	_, err := c.receipt.CreateReceiptRule(ctx, &sesv1.CreateReceiptRuleInput{
		RuleSetName: aws.String(c.cfg.ReceiptRuleSet),
		Rule:        rule,
	})
	if err != nil && !isReceiptAlreadyExists(err) {
		return fmt.Errorf("creating receipt rule for %s: %w", domain, err)
	}
	return nil
}

// DeleteDomainRule removes the domain's receipt rule. A rule that never
// existed is not an error.
func (c *Client) DeleteDomainRule(ctx context.Context, domain string) error {
	_, err := c.receipt.DeleteReceiptRule(ctx, &sesv1.DeleteReceiptRuleInput{
		RuleSetName: aws.String(c.cfg.ReceiptRuleSet),
		RuleName:    aws.String(domainRuleName(domain)),
	})
	if err != nil && !isReceiptRuleMissing(err) {
		return fmt.Errorf("deleting receipt rule for %s: %w", domain, err)
	}
	return nil
}

func domainRuleName(domain string) string {
	return "inbound-" + domain
}

func topicArnOrNil(arn string) *string {
	if arn == "" {
		return nil
	}
	return aws.String(arn)
}

func isRuleSetMissing(err error) bool {
	var missing *sesv1types.RuleSetDoesNotExistException
	return errors.As(err, &missing)
}

func isReceiptRuleMissing(err error) bool {
	var missing *sesv1types.RuleDoesNotExistException
	return errors.As(err, &missing)
}

func isReceiptAlreadyExists(err error) bool {
	var exists *sesv1types.AlreadyExistsException
	return errors.As(err, &exists)
}
