package ses

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"sort"
	"strings"
	"time"
)

// Headers we always control ourselves; caller-supplied values for these are
// dropped rather than duplicated.
var reservedHeaders = map[string]bool{
	"from":                      true,
	"to":                        true,
	"cc":                        true,
	"bcc":                       true,
	"subject":                   true,
	"reply-to":                  true,
	"date":                      true,
	"in-reply-to":               true,
	"references":                true,
	"mime-version":              true,
	"content-type":              true,
	"content-transfer-encoding": true,
}

// BuildRawMessage assembles an RFC 5322 message for sends that the simple
// SES content type cannot express: attachments, custom headers, or reply
// threading. Layout is multipart/mixed wrapping a multipart/alternative
// body plus one part per attachment.
func BuildRawMessage(msg *OutboundMessage) ([]byte, error) {
	var buf bytes.Buffer

	writeHeader(&buf, "From", msg.From)
	writeHeader(&buf, "To", strings.Join(msg.To, ", "))
	if len(msg.Cc) > 0 {
		writeHeader(&buf, "Cc", strings.Join(msg.Cc, ", "))
	}
	if len(msg.ReplyTo) > 0 {
		writeHeader(&buf, "Reply-To", strings.Join(msg.ReplyTo, ", "))
	}
	writeHeader(&buf, "Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader(&buf, "Date", time.Now().UTC().Format(time.RFC1123Z))
	if msg.InReplyTo != "" {
		writeHeader(&buf, "In-Reply-To", angleAddr(msg.InReplyTo))
	}
	if len(msg.References) > 0 {
		refs := make([]string, 0, len(msg.References))
		for _, r := range msg.References {
			refs = append(refs, angleAddr(r))
		}
		writeHeader(&buf, "References", strings.Join(refs, " "))
	}
	for _, name := range sortedHeaderNames(msg.Headers) {
		writeHeader(&buf, name, msg.Headers[name])
	}
	writeHeader(&buf, "MIME-Version", "1.0")

	mixed := multipart.NewWriter(&buf)
	writeHeader(&buf, "Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mixed.Boundary()))
	buf.WriteString("\r\n")

	if err := writeBody(mixed, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		if err := writeAttachment(mixed, att); err != nil {
			return nil, fmt.Errorf("encoding attachment %s: %w", att.Filename, err)
		}
	}

	if err := mixed.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBody emits the text/html body. Both present means a nested
// multipart/alternative; one present means a single part.
func writeBody(mixed *multipart.Writer, msg *OutboundMessage) error {
	if msg.Text != "" && msg.HTML != "" {
		var altBuf bytes.Buffer
		alt := multipart.NewWriter(&altBuf)
		if err := writeTextPart(alt, "text/plain", msg.Text); err != nil {
			return err
		}
		if err := writeTextPart(alt, "text/html", msg.HTML); err != nil {
			return err
		}
		if err := alt.Close(); err != nil {
			return err
		}
		part, err := mixed.CreatePart(textproto.MIMEHeader{
			"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary())},
		})
		if err != nil {
			return err
		}
		_, err = part.Write(altBuf.Bytes())
		return err
	}

	contentType, body := "text/plain", msg.Text
	if msg.HTML != "" {
		contentType, body = "text/html", msg.HTML
	}
	return writeTextPart(mixed, contentType, body)
}

func writeTextPart(w *multipart.Writer, contentType, body string) error {
	part, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType + `; charset="utf-8"`},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return err
	}
	qp := quotedprintable.NewWriter(part)
	if _, err := io.WriteString(qp, body); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachment(w *multipart.Writer, att Attachment) error {
	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("%s; name=%q", contentType, att.Filename)},
		"Content-Transfer-Encoding": {"base64"},
	}
	if att.ContentID != "" {
		header.Set("Content-ID", angleAddr(att.ContentID))
		header.Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", att.Filename))
	} else {
		header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", att.Filename))
	}
	part, err := w.CreatePart(header)
	if err != nil {
		return err
	}
	return writeBase64(part, att.Content)
}

// writeBase64 writes base64 content wrapped at 76 columns per RFC 2045
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 0 {
		n := 76
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[:n]); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

func writeHeader(buf *bytes.Buffer, name, value string) {
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

func sortedHeaderNames(headers map[string]string) []string {
	names := make([]string, 0, len(headers))
	for name := range headers {
		if reservedHeaders[strings.ToLower(name)] {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// angleAddr ensures a message id carries its surrounding angle brackets
func angleAddr(id string) string {
	return "<" + strings.Trim(strings.TrimSpace(id), "<>") + ">"
}
