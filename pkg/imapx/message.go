package imapx

import (
	"bytes"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/mail"
)

// messageFromBuffer converts one fetch result into a FetchedMessage,
// parsing the MIME body for text/html parts and the threading and
// security headers.
func messageFromBuffer(buf *imapclient.FetchMessageBuffer, section *imap.FetchItemBodySection) *FetchedMessage {
	if buf == nil || buf.UID == 0 {
		return nil
	}

	msg := &FetchedMessage{
		UID:    uint32(buf.UID),
		Flags:  flagStrings(buf.Flags),
		Size:   buf.RFC822Size,
		ModSeq: buf.ModSeq,
	}

	if env := buf.Envelope; env != nil {
		msg.MessageID = env.MessageID
		msg.Subject = env.Subject
		msg.Date = env.Date

		if len(env.From) > 0 {
			from := env.From[0]
			msg.From = from.Addr()
			msg.FromName = from.Name
			if msg.FromName == "" {
				msg.FromName = msg.From
			}
		}
		for _, to := range env.To {
			msg.To = append(msg.To, to.Addr())
		}
	}

	raw := buf.FindBodySection(section)
	if raw != nil {
		parseBody(raw, msg)
	}
	return msg
}

// parseBody extracts text/html bodies and header-borne metadata from the
// raw RFC 5322 message.
func parseBody(raw []byte, msg *FetchedMessage) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		// Unparseable MIME: keep the raw text so the record is not empty.
		msg.TextBody = string(raw)
		return
	}
	defer mr.Close()

	header := mr.Header
	if msg.MessageID == "" {
		msg.MessageID = trimMessageID(header.Get("Message-Id"))
	}
	msg.InReplyTo = trimMessageID(header.Get("In-Reply-To"))
	msg.References = splitMessageIDs(header.Get("References"))
	msg.AuthResults = header.Get("Authentication-Results")
	msg.ReturnPath = trimMessageID(header.Get("Return-Path"))

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}

		contentType, _, _ := inline.ContentType()
		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			continue
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain"):
			if msg.TextBody == "" {
				msg.TextBody = string(body)
			}
		case strings.HasPrefix(contentType, "text/html"):
			if msg.HTMLBody == "" {
				msg.HTMLBody = string(body)
			}
		}
	}
}

func trimMessageID(id string) string {
	return strings.Trim(strings.TrimSpace(id), "<>")
}

// splitMessageIDs parses a References header into its message-ids.
func splitMessageIDs(header string) []string {
	if header == "" {
		return nil
	}
	var ids []string
	for _, field := range strings.Fields(header) {
		id := trimMessageID(field)
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
