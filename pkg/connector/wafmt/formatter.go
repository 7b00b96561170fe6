// Copyright 2024-2026 Aiku AI

// Package wafmt converts between Markdown and WhatsApp's inline formatting.
package wafmt

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	codeBlockRe = regexp.MustCompile("(?s)```(?:\\w+\\n)?\\n?(.*?)```")
	codeRe      = regexp.MustCompile("`([^`\n]+)`")
	headingRe   = regexp.MustCompile(`(?m)^#{1,6}\s+(.+?)\s*#*$`)
	ulStarRe    = regexp.MustCompile(`(?m)^(\s*)\*\s+`)
	mdBoldRe    = regexp.MustCompile(`(\*\*|__)(.+?)(\*\*|__)`)
	mdItalicRe  = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdStrikeRe  = regexp.MustCompile(`~~(.+?)~~`)
	linkRe      = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	hruleRe     = regexp.MustCompile(`(?m)^\s*(?:-{3,}|\*{3,}|_{3,})\s*$`)

	waBoldRe   = regexp.MustCompile(`\*([^*\n]+)\*`)
	waStrikeRe = regexp.MustCompile(`~([^~\n]+)~`)
)

// boldMark stands in for a converted bold delimiter so the italic pass does
// not see it.
const boldMark = "\x01"

type placeholders struct {
	kind  string
	items []string
}

func (p *placeholders) add(s string) string {
	idx := len(p.items)
	p.items = append(p.items, s)
	return "\x00" + p.kind + strconv.Itoa(idx) + "\x00"
}

func (p *placeholders) restore(s string) string {
	for i, item := range p.items {
		s = strings.Replace(s, "\x00"+p.kind+strconv.Itoa(i)+"\x00", item, 1)
	}
	return s
}

// FromMarkdown converts Markdown, as produced by an LLM, to WhatsApp
// formatting. Code is left untouched. Links keep their URL in parentheses
// unless the scheme is unsafe, in which case only the label is kept.
func FromMarkdown(text string) string {
	if text == "" {
		return ""
	}
	blocks := &placeholders{kind: "CODEBLOCK"}
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		return blocks.add("```" + strings.TrimSuffix(parts[1], "\n") + "```")
	})
	inline := &placeholders{kind: "CODE"}
	processed = codeRe.ReplaceAllStringFunc(processed, func(match string) string {
		return inline.add(match)
	})

	processed = hruleRe.ReplaceAllString(processed, "")
	processed = headingRe.ReplaceAllString(processed, boldMark+"$1"+boldMark)
	processed = ulStarRe.ReplaceAllString(processed, "$1- ")
	processed = mdBoldRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := mdBoldRe.FindStringSubmatch(match)
		if parts[1] != parts[3] {
			return match
		}
		return boldMark + parts[2] + boldMark
	})
	processed = mdItalicRe.ReplaceAllString(processed, "_${1}_")
	processed = strings.ReplaceAll(processed, boldMark, "*")
	processed = mdStrikeRe.ReplaceAllString(processed, "~$1~")
	processed = linkRe.ReplaceAllStringFunc(processed, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		label, url := parts[1], parts[2]
		if !isSafeURL(url) {
			return label
		}
		if label == url {
			return url
		}
		return label + " (" + url + ")"
	})

	processed = inline.restore(processed)
	processed = blocks.restore(processed)
	return strings.TrimSpace(processed)
}

// ToMarkdown converts WhatsApp formatting to Markdown.
func ToMarkdown(text string) string {
	if text == "" {
		return ""
	}
	blocks := &placeholders{kind: "CODEBLOCK"}
	processed := codeBlockRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		return blocks.add("```\n" + strings.TrimSuffix(parts[1], "\n") + "\n```")
	})
	inline := &placeholders{kind: "CODE"}
	processed = codeRe.ReplaceAllStringFunc(processed, func(match string) string {
		return inline.add(match)
	})

	processed = waBoldRe.ReplaceAllString(processed, "**$1**")
	processed = waStrikeRe.ReplaceAllString(processed, "~~$1~~")

	processed = inline.restore(processed)
	return blocks.restore(processed)
}

func isSafeURL(url string) bool {
	lower := strings.ToLower(url)
	return strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "mailto:")
}
