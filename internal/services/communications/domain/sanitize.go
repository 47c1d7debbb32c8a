package domain

import (
	"html"
	"log"
)

// SanitizeMessage HTML-escapes a chat body before broadcast. A body that
// changes under escaping is logged as potential markup injection.
func SanitizeMessage(body string) string {
	escaped := html.EscapeString(body)
	if escaped != body {
		log.Printf("communications: message body contained markup, escaped before broadcast")
	}
	return escaped
}
