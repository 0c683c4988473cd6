// Package render turns the small markdown subset used by assistant replies into HTML.
// Input is escaped before any markup is produced, so only the tags emitted here
// (p, br, strong, em, code, ul, ol, li) can appear in the output.
package render

import (
	"html"
	"regexp"
	"strings"
)

var (
	blankLine  = regexp.MustCompile(`\n[ \t]*\n`)
	numbered   = regexp.MustCompile(`^\s*\d+[.)]\s+(.*)$`)
	bulleted   = regexp.MustCompile(`^\s*(?:-|\*|•)\s+(.*)$`)
	boldSpan   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicSpan = regexp.MustCompile(`\*([^*\s](?:[^*]*[^*\s])?)\*`)
)

type lineKind int

const (
	kindText lineKind = iota
	kindOrdered
	kindUnordered
)

func HTML(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSpace(content)
	if content == "" {
		return ""
	}

	var b strings.Builder
	for _, block := range blankLine.Split(content, -1) {
		block = strings.Trim(block, "\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		renderBlock(&b, strings.Split(block, "\n"))
	}
	return b.String()
}

func renderBlock(b *strings.Builder, lines []string) {
	var (
		cur   = kindText
		para  []string
		items []string
	)
	flush := func() {
		switch cur {
		case kindText:
			if len(para) > 0 {
				b.WriteString("<p>")
				b.WriteString(strings.Join(para, "<br>"))
				b.WriteString("</p>")
			}
		case kindOrdered, kindUnordered:
			tag := "ul"
			if cur == kindOrdered {
				tag = "ol"
			}
			b.WriteString("<" + tag + ">")
			for _, it := range items {
				b.WriteString("<li>" + it + "</li>")
			}
			b.WriteString("</" + tag + ">")
		}
		para, items = nil, nil
	}

	for _, line := range lines {
		kind, text := classify(line)
		if kind != cur {
			flush()
			cur = kind
		}
		if kind == kindText {
			para = append(para, inline(strings.TrimSpace(text)))
		} else {
			items = append(items, inline(strings.TrimSpace(text)))
		}
	}
	flush()
}

func classify(line string) (lineKind, string) {
	if m := numbered.FindStringSubmatch(line); m != nil {
		return kindOrdered, m[1]
	}
	if m := bulleted.FindStringSubmatch(line); m != nil {
		return kindUnordered, m[1]
	}
	return kindText, line
}

// inline escapes the text and applies code, bold and italic spans. Code spans are
// left untouched by the emphasis rules.
func inline(s string) string {
	parts := strings.Split(s, "`")
	var b strings.Builder
	for i, p := range parts {
		escaped := html.EscapeString(p)
		// An unmatched trailing backtick is kept literally.
		if i%2 == 1 && i < len(parts)-1 {
			b.WriteString("<code>" + escaped + "</code>")
			continue
		}
		if i%2 == 1 {
			b.WriteString("`")
		}
		escaped = boldSpan.ReplaceAllString(escaped, "<strong>$1</strong>")
		escaped = italicSpan.ReplaceAllString(escaped, "<em>$1</em>")
		b.WriteString(escaped)
	}
	return b.String()
}
