package transform

import (
	"context"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// sanitizePolicy strips <script>, inline event handlers, <style>, and
// javascript: URLs while keeping the inline-formatting tags chat and fed
// bodies exchange (§4.4 "sanitize it"). bluemonday is the domain dependency
// named for this in SPEC_FULL.md; it replaces hand-rolled string scrubbing.
var sanitizePolicy = newSanitizePolicy()

func newSanitizePolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowStandardURLs()
	p.AllowElements("p", "br", "em", "strong", "del", "code", "pre", "blockquote",
		"ul", "ol", "li", "span", "a", "img")
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("src", "alt", "title").OnElements("img")
	p.AllowAttrs("data-mx-color", "data-mx-bg-color", "data-mx-emoticon", "color").OnElements("span", "font", "img")
	p.RequireNoFollowOnLinks(true)
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https")
	return p
}

func sanitizeHTML(raw string) string {
	return sanitizePolicy.Sanitize(raw)
}

var (
	colorAttrRe = regexp.MustCompile(`\sdata-mx-color="([^"]*)"`)
	emojiImgRe  = regexp.MustCompile(`<img[^>]*\bdata-mx-emoticon\b[^>]*>`)
)

// attrValue extracts a single attribute's value from a tag's source text.
func attrValue(tag, attr string) string {
	re := regexp.MustCompile(`\s` + attr + `="([^"]*)"`)
	m := re.FindStringSubmatch(tag)
	if m == nil {
		return ""
	}
	return m[1]
}

// rewriteColorAttr turns Matrix-style "data-mx-color" attributes into an
// inline style declaration (§4.4 "chat color attributes -> inline style").
func rewriteColorAttr(content string) string {
	return colorAttrRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := colorAttrRe.FindStringSubmatch(m)
		return ` style="color:` + sub[1] + `"`
	})
}

// emojiExtraction is the result of pulling custom-emoji <img> embeds out of
// a formatted body before any other transform runs.
type emojiExtraction struct {
	content string
	tags    []Tag
}

// extractCustomEmoji replaces each "data-mx-emoticon" image embed with its
// plain ":shortcode:" text and emits a matching Emoji tag, resolving the
// embed's src through the media gateway to a fed-facing URL. This runs
// before mentions or media-src rewriting per §4.4's ordering rule.
func extractCustomEmoji(ctx *Context, content string) emojiExtraction {
	var tags []Tag
	out := emojiImgRe.ReplaceAllStringFunc(content, func(tag string) string {
		shortcode := attrValue(tag, "alt")
		if shortcode == "" {
			shortcode = attrValue(tag, "title")
		}
		src := attrValue(tag, "src")
		iconURL := src
		if ctx.Media != nil && strings.HasPrefix(src, "handle://") {
			if resolved, err := ctx.Media.HandleToURL(src); err == nil {
				iconURL = resolved
			}
		}
		tags = append(tags, Tag{
			Type: "Emoji",
			Name: shortcode,
			Icon: &Icon{Type: "Image", URL: iconURL},
		})
		return shortcode
	})
	return emojiExtraction{content: out, tags: tags}
}

// rewriteMediaSrc replaces chat media handles embedded in "src" attributes
// with their proxied fed-facing URL (§4.4 "chat media handles embedded in
// src attributes -> proxied URLs").
func rewriteMediaSrc(ctx *Context, content string) string {
	if ctx.Media == nil {
		return content
	}
	re := regexp.MustCompile(`src="(handle://[^"]+)"`)
	return re.ReplaceAllStringFunc(content, func(m string) string {
		sub := re.FindStringSubmatch(m)
		resolved, err := ctx.Media.HandleToURL(sub[1])
		if err != nil {
			return m
		}
		return `src="` + resolved + `"`
	})
}

// rewriteChatMentions rewrites "@user:server" occurrences in text to
// "@user@server" form, returning the rewritten content and the mention tags
// to attach to the note.
func rewriteChatMentions(goCtx context.Context, ctx *Context, content string) (string, []Tag) {
	mentions := extractChatMentions(content)
	rewritten := chatMentionRe.ReplaceAllString(content, "@$1@$2")

	var tags []Tag
	for _, m := range mentions {
		href := ""
		if ctx.Lookup != nil {
			if u, err := ctx.Lookup.GetUserByChatID(goCtx, "@"+m.Local+":"+m.Server); err == nil && u != nil && u.FedActorID != nil {
				href = *u.FedActorID
			}
		}
		tags = append(tags, Tag{Type: "Mention", Name: "@" + m.Local + "@" + m.Server, Href: href})
	}
	return rewritten, tags
}

// rewriteFedMentions rewrites "@user@server" occurrences found in fed HTML
// into chat form: local-domain actors become "@user:server", everyone else
// becomes a ghost id "@_ap_<user>_<dotless(server)>:<localDomain>" (§4.4
// "Fed→Chat message").
func rewriteFedMentions(localDomain, content string) string {
	return fedMentionRe.ReplaceAllStringFunc(content, func(m string) string {
		sub := fedMentionRe.FindStringSubmatch(m)
		user, server := sub[1], sub[2]
		if server == localDomain {
			return "@" + user + ":" + server
		}
		return "@" + ghostLocalpart(user, server) + ":" + localDomain
	})
}

// applyEmojiShortcodes replaces ":shortcode:" occurrences in rendered HTML
// with an <img> tag referencing the matching Emoji tag's icon URL, leaving
// unmatched shortcodes untouched.
func applyEmojiShortcodes(content string, tags []Tag) string {
	icons := make(map[string]string)
	for _, t := range tags {
		if t.Type != "Emoji" || t.Icon == nil {
			continue
		}
		icons[t.Name] = t.Icon.URL
	}
	if len(icons) == 0 {
		return content
	}
	re := regexp.MustCompile(`:[A-Za-z0-9_]+:`)
	return re.ReplaceAllStringFunc(content, func(code string) string {
		url, ok := icons[code]
		if !ok {
			return code
		}
		return `<img src="` + html.EscapeString(url) + `" alt="` + code + `" title="` + code + `">`
	})
}

// htmlToText renders HTML down to plain text, grounded directly on klistr's
// tokenizer-based htmlToText: block elements become blank lines, <br>
// becomes a newline, script/style content is discarded, and entities are
// decoded.
func htmlToText(h string) string {
	z := html.NewTokenizer(strings.NewReader(h))
	var sb strings.Builder
	skipContent := false
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			if !skipContent {
				sb.WriteString(html.UnescapeString(string(z.Raw())))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = true
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			case "br":
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				skipContent = false
			case "p", "div", "blockquote", "li":
				sb.WriteString("\n\n")
			}
		}
	}
	text := sb.String()
	for strings.Contains(text, "\n\n\n") {
		text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(text)
}
