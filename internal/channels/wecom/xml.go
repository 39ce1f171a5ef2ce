package wecom

import "strings"

const (
	cdataOpen  = "<![CDATA["
	cdataClose = "]]>"
)

// extractField returns the text of the first <name>...</name> element in doc.
// A CDATA section filling the whole element is unwrapped; otherwise the raw
// inner text is returned. Input need not be well-formed.
func extractField(doc, name string) (string, bool) {
	openTag := "<" + name + ">"
	closeTag := "</" + name + ">"

	i := strings.Index(doc, openTag)
	if i < 0 {
		return "", false
	}
	rest := doc[i+len(openTag):]

	if strings.HasPrefix(rest, cdataOpen) {
		if end := strings.Index(rest, cdataClose+closeTag); end >= 0 {
			return rest[len(cdataOpen):end], true
		}
	}
	if end := strings.Index(rest, closeTag); end >= 0 {
		return rest[:end], true
	}
	return "", false
}

// inboundMessage holds the decrypted callback fields the relay acts on.
type inboundMessage struct {
	Content  string
	FromUser string
	MsgType  string
	MsgID    string
}

func parseInbound(doc string) inboundMessage {
	var m inboundMessage
	m.Content, _ = extractField(doc, "Content")
	m.Content = strings.TrimSpace(m.Content)
	m.FromUser, _ = extractField(doc, "FromUserName")
	m.MsgType, _ = extractField(doc, "MsgType")
	m.MsgID, _ = extractField(doc, "MsgId")
	return m
}

// isText reports whether the message is plain text with the fields needed to
// answer it.
func (m inboundMessage) isText() bool {
	return m.MsgType == "text" && m.Content != "" && m.FromUser != ""
}
