package ses

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// IdentityResult describes a domain identity after creation
type IdentityResult struct {
	DKIMTokens     []string
	MailFromDomain string
}

/// CreateDomainIdentity registers a domain with SES: Easy DKIM signing, a
// custom MAIL FROM subdomain, and the default configuration set.
func (c *Client) CreateDomainIdentity(ctx context.Context, domain string) (*IdentityResult, error) {
	out, err := c.api.CreateEmailIdentity(ctx, &sesv2.CreateEmailIdentityInput{
		EmailIdentity: aws.String(domain),
	})
	if err != nil {
		var exists *types.AlreadyExistsException
		if !errors.As(err, &exists) {
			return nil, fmt.Errorf("creating identity %s: %w", domain, err)
		}
		// Identity already registered: fetch its DKIM tokens instead
		log.Printf("[SES] Identity %s already exists, reusing", domain)
		get, gerr := c.api.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{
			EmailIdentity: aws.String(domain),
		})
		if gerr != nil {
			return nil, fmt.Errorf("fetching existing identity %s: %w", domain, gerr)
		}
		out = &sesv2.CreateEmailIdentityOutput{DkimAttributes: get.DkimAttributes}
	}

	result := &IdentityResult{MailFromDomain: MailFromDomain(domain)}
	if out.DkimAttributes != nil {
		result.DKIMTokens = out.DkimAttributes.Tokens
	}

	if _, err := c.api.PutEmailIdentityMailFromAttributes(ctx, &sesv2.PutEmailIdentityMailFromAttributesInput{
		EmailIdentity:       aws.String(domain),
		MailFromDomain:      aws.String(result.MailFromDomain),
		BehaviorOnMxFailure: types.BehaviorOnMxFailureUseDefaultValue,
	}); err != nil {
		log.Printf("[SES] Warning: failed to set MAIL FROM for %s: %v", domain, err)
		result.MailFromDomain = ""
	}

	if c.cfg.ConfigurationSet != "" {
		if _, err := c.api.PutEmailIdentityConfigurationSetAttributes(ctx, &sesv2.PutEmailIdentityConfigurationSetAttributesInput{
			EmailIdentity:        aws.String(domain),
			ConfigurationSetName: aws.String(c.cfg.ConfigurationSet),
		}); err != nil {
			log.Printf("[SES] Warning: failed to attach configuration set to %s: %v", domain, err)
		}
	}

	return result, nil
}

// IdentityStatus is the live verification state of a domain identity
type IdentityStatus struct {
	VerifiedForSending bool
	DKIMStatus         string
	DKIMTokens         []string
}

// GetIdentityStatus fetches the current verification state from SES
func (c *Client) GetIdentityStatus(ctx context.Context, domain string) (*IdentityStatus, error) {
	out, err := c.api.GetEmailIdentity(ctx, &sesv2.GetEmailIdentityInput{
		EmailIdentity: aws.String(domain),
	})
	if err != nil {
		return nil, fmt.Errorf("getting identity %s: %w", domain, err)
	}

	status := &IdentityStatus{VerifiedForSending: out.VerifiedForSendingStatus}
	if out.DkimAttributes != nil {
		status.DKIMStatus = string(out.DkimAttributes.Status)
		status.DKIMTokens = out.DkimAttributes.Tokens
	}
	return status, nil
}

// DeleteDomainIdentity removes a domain identity from SES. NotFound is not
// an error; the goal state is reached either way.
func (c *Client) DeleteDomainIdentity(ctx context.Context, domain string) error {
	_, err := c.api.DeleteEmailIdentity(ctx, &sesv2.DeleteEmailIdentityInput{
		EmailIdentity: aws.String(domain),
	})
	if err != nil {
		var notFound *types.NotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("deleting identity %s: %w", domain, err)
	}
	return nil
}
