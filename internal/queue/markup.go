package queue

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"

	"github.com/sixddc/ccbot/internal/transcript"
)

// MarkdownV2 special characters that must be escaped outside formatted regions.
const mdv2Special = `_*[]()~` + "`" + `>#+-=|{}.!\`

var reExpQuote = regexp.MustCompile(regexp.QuoteMeta(transcript.ExpandableQuoteStart) + `([\s\S]*?)` + regexp.QuoteMeta(transcript.ExpandableQuoteEnd))

// expQuoteMaxRendered bounds a single expandable-quote block's rendered size,
// leaving room for surrounding text within Telegram's 4096 char message cap.
const expQuoteMaxRendered = 3800

// quoteSegment is a piece of text that is either an expandable quote or
// ordinary content awaiting goldmark conversion.
type quoteSegment struct {
	isQuote bool
	content string
}

// convertMarkdown converts GitHub-flavored Markdown to Telegram MarkdownV2,
// rendering expandable-quote sentinel blocks (from the transcript parser) as
// Telegram's collapsible blockquote syntax instead of passing them through
// goldmark, which doesn't understand that syntax.
//
// Grounded on otaviocarvalho-tramuntana/internal/render/markdown.go's
// ToMarkdownV2, adapted to ccbot's transcript sentinel constants.
func convertMarkdown(text string) string {
	segments := splitExpandableQuotes(text)
	if len(segments) == 1 && !segments[0].isQuote {
		return convertWithGoldmark(text)
	}

	var b strings.Builder
	for _, seg := range segments {
		if seg.isQuote {
			b.WriteString(renderExpandableQuote(seg.content))
		} else {
			b.WriteString(convertWithGoldmark(seg.content))
		}
	}
	return b.String()
}

func splitExpandableQuotes(text string) []quoteSegment {
	matches := reExpQuote.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []quoteSegment{{isQuote: false, content: text}}
	}

	var segments []quoteSegment
	lastEnd := 0
	for _, m := range matches {
		if m[0] > lastEnd {
			segments = append(segments, quoteSegment{isQuote: false, content: text[lastEnd:m[0]]})
		}
		segments = append(segments, quoteSegment{isQuote: true, content: text[m[2]:m[3]]})
		lastEnd = m[1]
	}
	if lastEnd < len(text) {
		segments = append(segments, quoteSegment{isQuote: false, content: text[lastEnd:]})
	}
	return segments
}

// renderExpandableQuote formats already-extracted quote content as a
// Telegram expandable blockquote, truncating to stay within the per-block
// budget so the overall message still fits Telegram's 4096 char cap.
func renderExpandableQuote(content string) string {
	suffix := "\n>… \\(truncated\\)||"
	escaped := escapeMarkdownV2(content)
	lines := strings.Split(escaped, "\n")

	var built []string
	total := 0
	budget := expQuoteMaxRendered - len(suffix)
	truncated := false
	for _, line := range lines {
		cost := 1 + len(line) + 1
		if total+cost > budget {
			remaining := budget - total - 2
			if remaining > 20 {
				built = append(built, ">"+line[:remaining])
			}
			truncated = true
			break
		}
		built = append(built, ">"+line)
		total += cost
	}
	if truncated {
		return strings.Join(built, "\n") + suffix
	}
	if len(built) == 0 {
		return "||"
	}
	last := len(built) - 1
	built[last] = built[last] + "||"
	return strings.Join(built, "\n")
}

// convertWithGoldmark parses text as CommonMark+GFM and renders it with the
// MarkdownV2 node renderer below. A fresh goldmark instance is created per
// call: cheap, and it keeps the renderer's per-call blockquote-depth state
// isolated.
func convertWithGoldmark(text string) string {
	if text == "" {
		return ""
	}

	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRenderer(
			renderer.NewRenderer(
				renderer.WithNodeRenderers(
					util.Prioritized(newTelegramRenderer(), 100),
				),
			),
		),
	)

	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return escapeMarkdownV2(text)
	}
	return strings.TrimRight(buf.String(), "\n")
}

func escapeMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) * 2)
	for _, r := range text {
		if strings.ContainsRune(mdv2Special, r) {
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func escapeCodeContent(text string) string {
	text = strings.ReplaceAll(text, "\\", "\\\\")
	text = strings.ReplaceAll(text, "`", "\\`")
	return text
}

func escapeURL(url string) string {
	url = strings.ReplaceAll(url, "\\", "\\\\")
	url = strings.ReplaceAll(url, ")", "\\)")
	return url
}

// SplitParts splits text into send-sized chunks at the queue's merge
// ceiling, for callers (the Monitor-to-Queue dispatcher in cmd/ccbot) that
// need to turn one parsed transcript entry into EnqueueContent's parts.
func SplitParts(text string) []string {
	return splitMessage(text, mergeMaxLength)
}

// splitMessage splits text on newline boundaries so each chunk stays within
// maxLen, as a safety net for merged content that ends up longer than a
// single Telegram message can hold. Text containing an expandable-quote
// sentinel is left intact (those blocks carry their own internal truncation
// and must not be cut in half).
//
// Adapted from otaviocarvalho-tramuntana/internal/render/markdown.go's
// SplitMessage.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen || strings.Contains(text, transcript.ExpandableQuoteStart) {
		return []string{text}
	}

	var parts []string
	var current strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if current.Len() > 0 && current.Len()+1+len(line) > maxLen {
			parts = append(parts, current.String())
			current.Reset()
		}
		for len(line) > maxLen {
			if current.Len() > 0 {
				parts = append(parts, current.String())
				current.Reset()
			}
			parts = append(parts, line[:maxLen])
			line = line[maxLen:]
		}
		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}
	return parts
}
