package ses

import "fmt"

// DNSRecord is one record the domain owner must publish before the domain
// verifies. Type is the literal record type (TXT, CNAME, MX).
type DNSRecord struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Value    string `json:"value"`
	Priority int    `json:"priority,omitempty"`
	Purpose  string `json:"purpose"`
}

// BuildDomainRecords returns every DNS record required for a domain:
// DKIM CNAMEs for sending, the inbound MX for receiving, the custom
// MAIL FROM pair, and a baseline DMARC policy.
func (c *Client) BuildDomainRecords(domain string, dkimTokens []string) []DNSRecord {
	records := make([]DNSRecord, 0, len(dkimTokens)+4)

	for _, token := range dkimTokens {
		records = append(records, DNSRecord{
			Type:    "CNAME",
			Name:    fmt.Sprintf("%s._domainkey.%s", token, domain),
			Value:   fmt.Sprintf("%s.dkim.amazonses.com", token),
			Purpose: "dkim",
		})
	}

	records = append(records, DNSRecord{
		Type:     "MX",
		Name:     domain,
		Value:    fmt.Sprintf("inbound-smtp.%s.amazonaws.com", c.region),
		Priority: 10,
		Purpose:  "receiving",
	})

	mailFrom := MailFromDomain(domain)
	records = append(records, DNSRecord{
		Type:     "MX",
		Name:     mailFrom,
		Value:    fmt.Sprintf("feedback-smtp.%s.amazonses.com", c.region),
		Priority: 10,
		Purpose:  "mail-from",
	}, DNSRecord{
		Type:    "TXT",
		Name:    mailFrom,
		Value:   "v=spf1 include:amazonses.com ~all",
		Purpose: "spf",
	})

	records = append(records, DNSRecord{
		Type:    "TXT",
		Name:    "_dmarc." + domain,
		Value:   "v=DMARC1; p=none;",
		Purpose: "dmarc",
	})

	return records
}

// MailFromDomain returns the custom MAIL FROM subdomain used for a domain
func MailFromDomain(domain string) string {
	return "mail." + domain
}
