package inbound

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"
	"time"
)

// maxPartDepth bounds MIME nesting; anything deeper is hostile or broken
const maxPartDepth = 10

// ParsedAttachment is a decoded attachment with its content in memory
type ParsedAttachment struct {
	Filename    string
	ContentType string
	ContentID   string
	Content     []byte
}

// ParsedEmail is the structured form of a raw RFC 5322 message
type ParsedEmail struct {
	MessageID   string
	FromText    string
	FromName    string
	FromAddress string
	To          []string
	Cc          []string
	ReplyTo     string
	Subject     string
	Date        *time.Time
	InReplyTo   string
	References  []string
	TextBody    string
	HTMLBody    string
	Headers     map[string]string
	Attachments []ParsedAttachment
	SizeBytes   int64
}

// headerGetter is satisfied by both mail.Header and textproto.MIMEHeader
type headerGetter interface {
	Get(key string) string
}

// ParseRaw parses a raw message into its structured form. Parsing is
// tolerant: malformed parts are skipped rather than failing the message.
func ParseRaw(raw []byte) (*ParsedEmail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}

	p := &ParsedEmail{
		SizeBytes: int64(len(raw)),
		Headers:   make(map[string]string, len(msg.Header)),
	}

	for name, values := range msg.Header {
		p.Headers[name] = decodeHeader(strings.Join(values, ", "))
	}

	p.Subject = decodeHeader(msg.Header.Get("Subject"))
	p.FromText = decodeHeader(msg.Header.Get("From"))
	if addr, err := mail.ParseAddress(msg.Header.Get("From")); err == nil {
		p.FromAddress = strings.ToLower(addr.Address)
		p.FromName = addr.Name
	}
	p.To = addressList(msg.Header, "To")
	p.Cc = addressList(msg.Header, "Cc")
	if replyTo, err := mail.ParseAddress(msg.Header.Get("Reply-To")); err == nil {
		p.ReplyTo = strings.ToLower(replyTo.Address)
	}
	p.MessageID = trimAngle(msg.Header.Get("Message-Id"))
	p.InReplyTo = trimAngle(msg.Header.Get("In-Reply-To"))
	for _, ref := range strings.Fields(msg.Header.Get("References")) {
		p.References = append(p.References, trimAngle(ref))
	}
	if date, err := msg.Header.Date(); err == nil {
		p.Date = &date
	}

	if err := p.walkEntity(msg.Header, msg.Body, 0); err != nil {
		log.Printf("[Inbound] Warning: body parse incomplete for %s: %v", p.MessageID, err)
	}
	return p, nil
}

// walkEntity recurses through the MIME tree collecting bodies and
// attachments.
func (p *ParsedEmail) walkEntity(header headerGetter, body io.Reader, depth int) error {
	if depth > maxPartDepth {
		return fmt.Errorf("nesting deeper than %d parts", maxPartDepth)
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain; charset=us-ascii"
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
	}
	mediaType = strings.ToLower(mediaType)

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return fmt.Errorf("multipart without boundary")
		}
		reader := multipart.NewReader(body, boundary)
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("reading part at depth %d: %w", depth, err)
			}
			if err := p.walkEntity(part.Header, part, depth+1); err != nil {
				return err
			}
		}
	}

	data, err := decodeBody(body, header.Get("Content-Transfer-Encoding"))
	if err != nil {
		return fmt.Errorf("decoding %s part: %w", mediaType, err)
	}

	disposition, dparams, _ := mime.ParseMediaType(header.Get("Content-Disposition"))
	filename := decodeHeader(dparams["filename"])
	if filename == "" {
		filename = decodeHeader(params["name"])
	}

	attachment := disposition == "attachment" || filename != "" || !strings.HasPrefix(mediaType, "text/")
	if !attachment {
		text := string(data)
		switch mediaType {
		case "text/html":
			p.HTMLBody = appendBody(p.HTMLBody, text)
		default:
			p.TextBody = appendBody(p.TextBody, text)
		}
		return nil
	}

	if filename == "" {
		filename = defaultFilename(mediaType)
	}
	p.Attachments = append(p.Attachments, ParsedAttachment{
		Filename:    filename,
		ContentType: mediaType,
		ContentID:   trimAngle(header.Get("Content-Id")),
		Content:     data,
	})
	return nil
}

// decodeBody applies the content transfer encoding. multipart.Part strips
// the header after transparently decoding quoted-printable, so leaf parts
// arrive here either already decoded or base64/identity.
func decodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		return io.ReadAll(base64.NewDecoder(base64.StdEncoding, r))
	case "quoted-printable":
		return io.ReadAll(quotedprintable.NewReader(r))
	default:
		return io.ReadAll(r)
	}
}

func appendBody(existing, addition string) string {
	if existing == "" {
		return addition
	}
	return existing + "\n" + addition
}

func addressList(header mail.Header, key string) []string {
	addrs, err := header.AddressList(key)
	if err != nil {
		// Fall back to the raw value so a bad display name does not lose
		// the recipient entirely.
		raw := header.Get(key)
		if raw == "" {
			return nil
		}
		var out []string
		for _, field := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(field); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, strings.ToLower(a.Address))
	}
	return out
}

func decodeHeader(s string) string {
	dec := &mime.WordDecoder{
		CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
			// Unknown charsets pass through undecoded; mojibake beats
			// dropping the header.
			return input, nil
		},
	}
	decoded, err := dec.DecodeHeader(s)
	if err != nil {
		return s
	}
	return decoded
}

func trimAngle(s string) string {
	return strings.Trim(strings.TrimSpace(s), "<>")
}

func defaultFilename(mediaType string) string {
	switch {
	case mediaType == "message/rfc822":
		return "attached-message.eml"
	case strings.HasPrefix(mediaType, "image/"):
		return "inline-image"
	default:
		return "attachment"
	}
}
