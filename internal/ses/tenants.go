package ses

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI resolves the AWS account id for building resource ARNs.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// SetSTS wires the STS client used for ARN construction. Called once at
// startup; tests may inject a stub.
func (c *Client) SetSTS(api STSAPI) {
	c.sts = api
}

// resolveAccountID looks up and caches the caller's AWS account id. Errors
// are not cached so a transient STS failure does not poison the client.
func (c *Client) resolveAccountID(ctx context.Context) (string, error) {
	c.accountMu.Lock()
	defer c.accountMu.Unlock()
	if c.accountID != "" {
		return c.accountID, nil
	}
	if c.sts == nil {
		return "", fmt.Errorf("STS client not configured")
	}
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving account id: %w", err)
	}
	c.accountID = aws.ToString(out.Account)
	return c.accountID, nil
}

// configurationSetARN builds the ARN for a configuration set in this account
func (c *Client) configurationSetARN(ctx context.Context, name string) (string, error) {
	account, err := c.resolveAccountID(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("arn:aws:ses:%s:%s:configuration-set/%s", c.region, account, name), nil
}

// identityARN builds the ARN for a verified identity in this account
func (c *Client) identityARN(ctx context.Context, identity string) (string, error) {
	account, err := c.resolveAccountID(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("arn:aws:ses:%s:%s:identity/%s", c.region, account, identity), nil
}

// EnsureTenant creates the SES tenant and its dedicated configuration set,
// wires bounce/complaint/delivery events to the event topic, and associates
// the set with the tenant. All steps tolerate AlreadyExists so retries and
// concurrent creates converge.
func (c *Client) EnsureTenant(ctx context.Context, tenantName, configSet string) error {
	if _, err := c.api.CreateTenant(ctx, &sesv2.CreateTenantInput{
		TenantName: aws.String(tenantName),
	}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating tenant %s: %w", tenantName, err)
	}

	if _, err := c.api.CreateConfigurationSet(ctx, &sesv2.CreateConfigurationSetInput{
		ConfigurationSetName: aws.String(configSet),
		ReputationOptions:    &types.ReputationOptions{ReputationMetricsEnabled: true},
		SendingOptions:       &types.SendingOptions{SendingEnabled: true},
	}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("creating configuration set %s: %w", configSet, err)
	}

	if c.cfg.EventTopicARN != "" {
		if _, err := c.api.CreateConfigurationSetEventDestination(ctx, &sesv2.CreateConfigurationSetEventDestinationInput{
			ConfigurationSetName: aws.String(configSet),
			EventDestinationName: aws.String("sns-events"),
			EventDestination: &types.EventDestinationDefinition{
				Enabled: true,
				MatchingEventTypes: []types.EventType{
					types.EventTypeSend,
					types.EventTypeDelivery,
					types.EventTypeBounce,
					types.EventTypeComplaint,
					types.EventTypeReject,
				},
				SnsDestination: &types.SnsDestination{TopicArn: aws.String(c.cfg.EventTopicARN)},
			},
		}); err != nil && !isAlreadyExists(err) {
			log.Printf("[SES] Warning: failed to add event destination to %s: %v", configSet, err)
		}
	}

	arn, err := c.configurationSetARN(ctx, configSet)
	if err != nil {
		log.Printf("[SES] Warning: cannot build configuration set ARN: %v", err)
		return nil
	}
	if _, err := c.api.CreateTenantResourceAssociation(ctx, &sesv2.CreateTenantResourceAssociationInput{
		TenantName:  aws.String(tenantName),
		ResourceArn: aws.String(arn),
	}); err != nil && !isAlreadyExists(err) {
		log.Printf("[SES] Warning: failed to associate %s with tenant %s: %v", configSet, tenantName, err)
	}
	return nil
}

// AssociateIdentityWithTenant registers a verified domain as a tenant
// resource so the tenant may send from it.
func (c *Client) AssociateIdentityWithTenant(ctx context.Context, tenantName, domain string) error {
	arn, err := c.identityARN(ctx, domain)
	if err != nil {
		return err
	}
	if _, err := c.api.CreateTenantResourceAssociation(ctx, &sesv2.CreateTenantResourceAssociationInput{
		TenantName:  aws.String(tenantName),
		ResourceArn: aws.String(arn),
	}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("associating %s with tenant %s: %w", domain, tenantName, err)
	}
	return nil
}

// DeleteTenant removes the SES tenant and its configuration set
func (c *Client) DeleteTenant(ctx context.Context, tenantName, configSet string) error {
	if _, err := c.api.DeleteTenant(ctx, &sesv2.DeleteTenantInput{
		TenantName: aws.String(tenantName),
	}); err != nil && !isNotFound(err) {
		return fmt.Errorf("deleting tenant %s: %w", tenantName, err)
	}
	if configSet != "" {
		if _, err := c.api.DeleteConfigurationSet(ctx, &sesv2.DeleteConfigurationSetInput{
			ConfigurationSetName: aws.String(configSet),
		}); err != nil && !isNotFound(err) {
			log.Printf("[SES] Warning: failed to delete configuration set %s: %v", configSet, err)
		}
	}
	return nil
}

// PauseConfigurationSetSending disables sending on a configuration set.
// Every send through the set fails immediately until resumed; this is the
// tenant-level kill switch the reputation monitor pulls.
func (c *Client) PauseConfigurationSetSending(ctx context.Context, configSet string) error {
	_, err := c.api.PutConfigurationSetSendingOptions(ctx, &sesv2.PutConfigurationSetSendingOptionsInput{
		ConfigurationSetName: aws.String(configSet),
		SendingEnabled:       false,
	})
	if err != nil {
		return fmt.Errorf("pausing sending on %s: %w", configSet, err)
	}
	log.Printf("[SES] Sending PAUSED on configuration set %s", configSet)
	return nil
}

// ResumeConfigurationSetSending re-enables sending on a configuration set
func (c *Client) ResumeConfigurationSetSending(ctx context.Context, configSet string) error {
	_, err := c.api.PutConfigurationSetSendingOptions(ctx, &sesv2.PutConfigurationSetSendingOptionsInput{
		ConfigurationSetName: aws.String(configSet),
		SendingEnabled:       true,
	})
	if err != nil {
		return fmt.Errorf("resuming sending on %s: %w", configSet, err)
	}
	log.Printf("[SES] Sending resumed on configuration set %s", configSet)
	return nil
}

func isAlreadyExists(err error) bool {
	var exists *types.AlreadyExistsException
	return errors.As(err, &exists)
}

func isNotFound(err error) bool {
	var notFound *types.NotFoundException
	return errors.As(err, &notFound)
}
