package registry

import (
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/vincent-petithory/dataurl"

	"github.com/referly/leadchat/internal/leads"
	"github.com/referly/leadchat/internal/model"
)

var avatarColors = []string{
	"#1e88e5", "#43a047", "#e53935", "#8e24aa",
	"#fb8c00", "#00897b", "#3949ab", "#6d4c41",
}

// displayName picks the first non-empty of: name, first+last, company,
// email local part, then a role label with the conversation id.
func displayName(p leads.Party, role model.Role, conversationID string) string {
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	if n := strings.TrimSpace(strings.TrimSpace(p.FirstName) + " " + strings.TrimSpace(p.LastName)); n != "" {
		return n
	}
	if n := strings.TrimSpace(p.Company); n != "" {
		return n
	}
	if local, _, ok := strings.Cut(strings.TrimSpace(p.Email), "@"); ok && local != "" {
		return local
	}
	return fallbackName(role, conversationID)
}

func fallbackName(role model.Role, conversationID string) string {
	label := "Lead"
	switch role {
	case model.RoleBusiness:
		label = "Business"
	case model.RoleFreelancer:
		label = "Freelancer"
	}
	return fmt.Sprintf("%s #%s", label, conversationID)
}

func initials(name string) string {
	var out []rune
	for _, word := range strings.Fields(name) {
		for _, r := range word {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				out = append(out, unicode.ToUpper(r))
				break
			}
		}
		if len(out) == 2 {
			break
		}
	}
	if len(out) == 0 {
		return "?"
	}
	return string(out)
}

// placeholderAvatar renders the initials of name on a color derived from
// name, as an SVG data URL. Same name, same avatar.
func placeholderAvatar(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	color := avatarColors[h.Sum32()%uint32(len(avatarColors))]

	svg := fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="64" height="64" viewBox="0 0 64 64">`+
		`<rect width="64" height="64" rx="32" fill="%s"/>`+
		`<text x="50%%" y="50%%" dy=".35em" text-anchor="middle" font-family="sans-serif" font-size="26" fill="#fff">%s</text>`+
		`</svg>`, color, initials(name))
	return dataurl.New([]byte(svg), "image/svg+xml").String()
}

const previewLimit = 80

func preview(body string) string {
	body = strings.Join(strings.Fields(body), " ")
	r := []rune(body)
	if len(r) <= previewLimit {
		return body
	}
	return string(r[:previewLimit-1]) + "…"
}
