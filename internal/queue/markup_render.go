package queue

import (
	"fmt"
	"strings"

	"github.com/yuin/goldmark/ast"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer"
	"github.com/yuin/goldmark/util"
)

// telegramRenderer renders a goldmark AST to Telegram MarkdownV2. A fresh
// instance is created per conversion, so the blockquote-depth counter needs
// no locking.
//
// Adapted from otaviocarvalho-tramuntana/internal/render/telegramv2.go.
type telegramRenderer struct {
	blockquoteDepth int
}

func newTelegramRenderer() renderer.NodeRenderer {
	return &telegramRenderer{}
}

func (r *telegramRenderer) RegisterFuncs(reg renderer.NodeRendererFuncRegisterer) {
	reg.Register(ast.KindDocument, r.noop)
	reg.Register(ast.KindHeading, r.renderHeading)
	reg.Register(ast.KindParagraph, r.renderParagraph)
	reg.Register(ast.KindThematicBreak, r.renderThematicBreak)
	reg.Register(ast.KindCodeBlock, r.renderCodeBlock)
	reg.Register(ast.KindFencedCodeBlock, r.renderFencedCodeBlock)
	reg.Register(ast.KindBlockquote, r.renderBlockquote)
	reg.Register(ast.KindList, r.renderList)
	reg.Register(ast.KindListItem, r.renderListItem)
	reg.Register(ast.KindHTMLBlock, r.renderHTMLBlock)

	reg.Register(ast.KindText, r.renderText)
	reg.Register(ast.KindString, r.renderString)
	reg.Register(ast.KindCodeSpan, r.renderCodeSpan)
	reg.Register(ast.KindEmphasis, r.renderEmphasis)
	reg.Register(ast.KindLink, r.renderLink)
	reg.Register(ast.KindImage, r.renderImage)
	reg.Register(ast.KindAutoLink, r.renderAutoLink)
	reg.Register(ast.KindRawHTML, r.renderRawHTML)

	reg.Register(east.KindTable, r.renderTable)
	reg.Register(east.KindTableHeader, r.noop)
	reg.Register(east.KindTableRow, r.noop)
	reg.Register(east.KindTableCell, r.noop)
	reg.Register(east.KindStrikethrough, r.renderStrikethrough)
	reg.Register(east.KindTaskCheckBox, r.renderTaskCheckBox)
}

func (r *telegramRenderer) noop(util.BufWriter, []byte, ast.Node, bool) (ast.WalkStatus, error) {
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderHeading(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("*")
	} else {
		w.WriteString("*\n")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderParagraph(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		if r.blockquoteDepth > 0 {
			w.WriteString("\n>")
		} else {
			w.WriteString("\n")
		}
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderThematicBreak(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("\\—\\—\\—\n")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			w.WriteString(escapeMarkdownV2(string(lines.At(i).Value(source))))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderFencedCodeBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.FencedCodeBlock)
		w.WriteString("```")
		if lang := n.Language(source); lang != nil {
			w.Write(lang)
		}
		w.WriteString("\n")
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			w.WriteString(escapeCodeContent(string(lines.At(i).Value(source))))
		}
		w.WriteString("```\n")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderBlockquote(w util.BufWriter, _ []byte, _ ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		r.blockquoteDepth++
		w.WriteString(">")
	} else {
		r.blockquoteDepth--
		w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderList(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering && node.NextSibling() != nil {
		w.WriteString("\n")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderListItem(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		parent := node.Parent().(*ast.List)
		if parent.IsOrdered() {
			pos := 1
			for c := node.Parent().FirstChild(); c != node; c = c.NextSibling() {
				pos++
			}
			if parent.Start > 0 {
				pos = parent.Start + pos - 1
			}
			w.WriteString(fmt.Sprintf("%d\\. ", pos))
		} else {
			w.WriteString("\\- ")
		}
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderHTMLBlock(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		lines := node.Lines()
		for i := 0; i < lines.Len(); i++ {
			w.WriteString(escapeMarkdownV2(string(lines.At(i).Value(source))))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderText(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.Text)
		escaped := escapeMarkdownV2(string(n.Segment.Value(source)))
		if r.blockquoteDepth > 0 {
			escaped = strings.ReplaceAll(escaped, "\n", "\n>")
		}
		w.WriteString(escaped)
		if n.SoftLineBreak() || n.HardLineBreak() {
			if r.blockquoteDepth > 0 {
				w.WriteString("\n>")
			} else {
				w.WriteString("\n")
			}
		}
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderString(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.String)
		escaped := escapeMarkdownV2(string(n.Value))
		if r.blockquoteDepth > 0 {
			escaped = strings.ReplaceAll(escaped, "\n", "\n>")
		}
		w.WriteString(escaped)
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderCodeSpan(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("`")
		for c := node.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				w.WriteString(escapeCodeContent(string(t.Segment.Value(source))))
			}
		}
		w.WriteString("`")
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderEmphasis(w util.BufWriter, _ []byte, node ast.Node, _ bool) (ast.WalkStatus, error) {
	if node.(*ast.Emphasis).Level == 2 {
		w.WriteString("*")
	} else {
		w.WriteString("_")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderLink(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("[")
	} else {
		n := node.(*ast.Link)
		w.WriteString("](")
		w.WriteString(escapeURL(string(n.Destination)))
		w.WriteString(")")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderImage(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString("[")
	} else {
		n := node.(*ast.Image)
		w.WriteString("](")
		w.WriteString(escapeURL(string(n.Destination)))
		w.WriteString(")")
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderAutoLink(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		w.WriteString(escapeMarkdownV2(string(node.(*ast.AutoLink).URL(source))))
	}
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderRawHTML(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		n := node.(*ast.RawHTML)
		for i := 0; i < n.Segments.Len(); i++ {
			w.WriteString(escapeMarkdownV2(string(n.Segments.At(i).Value(source))))
		}
		return ast.WalkSkipChildren, nil
	}
	return ast.WalkContinue, nil
}

// renderTable renders a GFM table as a fixed-width code block; MarkdownV2
// has no native table syntax.
func (r *telegramRenderer) renderTable(w util.BufWriter, source []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if !entering {
		return ast.WalkContinue, nil
	}

	var rows [][]string
	for child := node.FirstChild(); child != nil; child = child.NextSibling() {
		switch child.Kind() {
		case east.KindTableHeader, east.KindTableRow:
			rows = append(rows, r.collectRowCells(child, source))
		}
	}
	if len(rows) == 0 {
		return ast.WalkSkipChildren, nil
	}

	numCols := 0
	for _, row := range rows {
		if len(row) > numCols {
			numCols = len(row)
		}
	}
	colWidths := make([]int, numCols)
	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > colWidths[i] {
				colWidths[i] = len(cell)
			}
		}
	}

	w.WriteString("```\n")
	for i, row := range rows {
		w.WriteString("| ")
		for j := 0; j < numCols; j++ {
			cell := ""
			if j < len(row) {
				cell = row[j]
			}
			w.WriteString(cell)
			for p := 0; p < colWidths[j]-len(cell); p++ {
				w.WriteString(" ")
			}
			w.WriteString(" | ")
		}
		w.WriteString("\n")
		if i == 0 && len(rows) > 1 {
			w.WriteString("| ")
			for j := 0; j < numCols; j++ {
				for p := 0; p < colWidths[j]; p++ {
					w.WriteString("-")
				}
				w.WriteString(" | ")
			}
			w.WriteString("\n")
		}
	}
	w.WriteString("```\n")
	return ast.WalkSkipChildren, nil
}

func (r *telegramRenderer) collectRowCells(row ast.Node, source []byte) []string {
	var cells []string
	for cell := row.FirstChild(); cell != nil; cell = cell.NextSibling() {
		cells = append(cells, strings.TrimSpace(r.collectPlainText(cell, source)))
	}
	return cells
}

func (r *telegramRenderer) collectPlainText(node ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n := n.(type) {
		case *ast.Text:
			b.Write(n.Segment.Value(source))
		case *ast.String:
			b.Write(n.Value)
		case *ast.CodeSpan:
			for c := n.FirstChild(); c != nil; c = c.NextSibling() {
				if t, ok := c.(*ast.Text); ok {
					b.Write(t.Segment.Value(source))
				}
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

func (r *telegramRenderer) renderStrikethrough(w util.BufWriter, _ []byte, _ ast.Node, _ bool) (ast.WalkStatus, error) {
	w.WriteString("~")
	return ast.WalkContinue, nil
}

func (r *telegramRenderer) renderTaskCheckBox(w util.BufWriter, _ []byte, node ast.Node, entering bool) (ast.WalkStatus, error) {
	if entering {
		if node.(*east.TaskCheckBox).IsChecked {
			w.WriteString("\\[x\\] ")
		} else {
			w.WriteString("\\[ \\] ")
		}
	}
	return ast.WalkContinue, nil
}
