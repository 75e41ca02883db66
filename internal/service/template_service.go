// internal/service/template_service.go
package service

import (
	"regexp"
	"strings"

	"github.com/unclebandit/campaign-dispatch/internal/model"
)

// UnsubscribeFooter is appended to every rendered body.
const UnsubscribeFooter = "\n\n--\nTo unsubscribe, reply with \"unsubscribe\"."

const firstNameFallback = "there"

var tokenPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)

// Render substitutes {{token}} placeholders (case-insensitive) with values
// taken from the recipient. Unknown tokens render as the empty string.
func Render(template string, r *model.Recipient) string {
	if r == nil {
		r = &model.Recipient{}
	}
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		key := strings.ToLower(strings.TrimSpace(token[2 : len(token)-2]))
		return resolveToken(key, r)
	})
}

// RenderBody renders a message body and appends the unsubscribe footer.
func RenderBody(template string, r *model.Recipient) string {
	return Render(template, r) + UnsubscribeFooter
}

// EffectiveContent picks the recipient's overrides over the campaign defaults.
func EffectiveContent(c *model.Campaign, r *model.Recipient) (subject, body string) {
	subject, body = c.Subject, c.Body
	if strings.TrimSpace(r.SubjectOverride) != "" {
		subject = r.SubjectOverride
	}
	if strings.TrimSpace(r.BodyOverride) != "" {
		body = r.BodyOverride
	}
	return subject, body
}

func resolveToken(key string, r *model.Recipient) string {
	switch key {
	case "first_name":
		return firstNonEmpty(
			r.FirstName,
			metadata(r, "first_name"),
			firstWord(r.Name),
			firstNameFallback,
		)
	case "name":
		return firstNonEmpty(r.Name, metadata(r, "name"))
	case "email":
		return firstNonEmpty(r.Email, metadata(r, "email"))
	case "company":
		return firstNonEmpty(r.Company, metadata(r, "company"), metadata(r, "business_name"))
	case "business_name", "city", "state":
		return metadata(r, key)
	default:
		return ""
	}
}

// metadata looks a key up exactly first, then case-insensitively, since
// upstream CSV headers are not normalized.
func metadata(r *model.Recipient, key string) string {
	if v, ok := r.Metadata[key]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range r.Metadata {
		if strings.EqualFold(k, key) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
