package transform

import "regexp"

// Mention and hashtag regex families (§4.4 "Mention extraction"), generalized
// from the teacher's mentions.go (which matches Discord-style <@ULID>/<@&ULID>
// tokens) to the two cross-protocol handle shapes this bridge needs.
var (
	chatMentionRe = regexp.MustCompile(`@([a-zA-Z0-9_.-]+):([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	fedMentionRe  = regexp.MustCompile(`@([a-zA-Z0-9_.-]+)@([a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`)
	hashtagRe     = regexp.MustCompile(`#([A-Za-z0-9_]+)`)

	codeBlockRe  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe = regexp.MustCompile("`[^`]*`")
)

// stripCode removes fenced and inline code spans before mention/hashtag
// scanning, the same guard the teacher's mentions.go applies so mentions
// typed inside a code sample are not extracted as tags.
func stripCode(s string) string {
	s = codeBlockRe.ReplaceAllString(s, "")
	return inlineCodeRe.ReplaceAllString(s, "")
}

// chatMention is one "@local:server" match.
type chatMention struct {
	Local  string
	Server string
}

// fedMention is one "@local@server" match.
type fedMention struct {
	Local  string
	Server string
}

// extractChatMentions returns the deduplicated set of chat-style mentions in
// content, ignoring anything inside code spans.
func extractChatMentions(content string) []chatMention {
	scan := stripCode(content)
	seen := make(map[string]bool)
	var out []chatMention
	for _, m := range chatMentionRe.FindAllStringSubmatch(scan, -1) {
		key := m[1] + ":" + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, chatMention{Local: m[1], Server: m[2]})
	}
	return out
}

// extractFedMentions returns the deduplicated set of fed-style mentions in
// content, ignoring anything inside code spans.
func extractFedMentions(content string) []fedMention {
	scan := stripCode(content)
	seen := make(map[string]bool)
	var out []fedMention
	for _, m := range fedMentionRe.FindAllStringSubmatch(scan, -1) {
		key := m[1] + "@" + m[2]
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, fedMention{Local: m[1], Server: m[2]})
	}
	return out
}

// extractHashtags returns the deduplicated set of "#word" hashtags in
// content, ignoring anything inside code spans.
func extractHashtags(content string) []string {
	scan := stripCode(content)
	seen := make(map[string]bool)
	var out []string
	for _, m := range hashtagRe.FindAllStringSubmatch(scan, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, m[1])
	}
	return out
}
