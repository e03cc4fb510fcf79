package gmail

import (
	"encoding/base64"
	"strings"
)

type rawHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type rawBody struct {
	AttachmentID string `json:"attachmentId"`
	Size         int64  `json:"size"`
	Data         string `json:"data"`
}

type rawPart struct {
	MimeType string      `json:"mimeType"`
	Filename string      `json:"filename"`
	Headers  []rawHeader `json:"headers"`
	Body     rawBody     `json:"body"`
	Parts    []rawPart   `json:"parts"`
}

type rawMessage struct {
	ID       string   `json:"id"`
	ThreadID string   `json:"threadId"`
	LabelIDs []string `json:"labelIds"`
	Snippet  string   `json:"snippet"`
	Payload  rawPart  `json:"payload"`
}

func (p rawPart) headerMap() map[string]string {
	out := make(map[string]string, len(p.Headers))
	for _, h := range p.Headers {
		out[strings.ToLower(h.Name)] = h.Value
	}
	return out
}

func (m rawMessage) parse() Message {
	headers := m.Payload.headerMap()
	msg := Message{
		ID:       m.ID,
		ThreadID: m.ThreadID,
		LabelIDs: m.LabelIDs,
		Snippet:  m.Snippet,
		Headers: Headers{
			Subject: headers["subject"],
			From:    headers["from"],
			To:      headers["to"],
			Date:    headers["date"],
			Cc:      headers["cc"],
		},
		Attachments: []AttachmentMeta{},
	}
	if msg.LabelIDs == nil {
		msg.LabelIDs = []string{}
	}
	if len(m.Payload.Parts) > 0 {
		walkParts(m.Payload.Parts, &msg)
	} else if m.Payload.Body.Data != "" {
		msg.Body.Text = decodeBase64URL(m.Payload.Body.Data)
	}
	return msg
}

func walkParts(parts []rawPart, msg *Message) {
	for _, part := range parts {
		switch {
		case part.Filename != "" && part.Body.AttachmentID != "":
			msg.Attachments = append(msg.Attachments, AttachmentMeta{
				AttachmentID: part.Body.AttachmentID,
				Filename:     part.Filename,
				MimeType:     part.MimeType,
				Size:         part.Body.Size,
			})
		case part.MimeType == "text/plain" && part.Body.Data != "":
			msg.Body.Text = decodeBase64URL(part.Body.Data)
		case part.MimeType == "text/html" && part.Body.Data != "":
			msg.Body.HTML = decodeBase64URL(part.Body.Data)
		case len(part.Parts) > 0:
			walkParts(part.Parts, msg)
		}
	}
}

func (p rawPart) findAttachment(attachmentID string) (AttachmentMeta, bool) {
	for _, part := range p.Parts {
		if part.Body.AttachmentID == attachmentID {
			return AttachmentMeta{AttachmentID: attachmentID, Filename: part.Filename, MimeType: part.MimeType, Size: part.Body.Size}, true
		}
		if meta, ok := part.findAttachment(attachmentID); ok {
			return meta, true
		}
	}
	return AttachmentMeta{}, false
}

// decodeBase64URL accepts both padded and unpadded input.
func decodeBase64URL(s string) string {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return ""
	}
	return string(data)
}
