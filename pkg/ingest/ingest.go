// Package ingest turns raw files into titled text that can be stored as a context block or
// added to the knowledge base.
package ingest

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-go-golems/arbor/pkg/conversation"
	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// MaxSize is the largest file accepted.
const MaxSize = 1 << 20

var (
	ErrEmpty   = errors.New("file has no text content")
	ErrTooBig  = errors.Errorf("file is larger than %d bytes", MaxSize)
	ErrUnknown = errors.New("unsupported file type")
)

type Format string

const (
	FormatText     Format = "text"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
)

// FormatFromFilename maps an extension to a format. Extensions outside the known text list are
// rejected.
func FormatFromFilename(name string) (Format, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return FormatMarkdown, nil
	case ".html", ".htm":
		return FormatHTML, nil
	case ".txt", ".text", ".log", ".csv", ".json", ".yaml", ".yml", ".go", ".py", ".js", ".ts", "":
		return FormatText, nil
	}
	return "", errors.Wrapf(ErrUnknown, "%s", filepath.Ext(name))
}

// Document is the extracted text of a file.
type Document struct {
	Name    string
	Format  Format
	Title   string
	Content string
}

// ContextBlock converts the document into a file context block.
func (d *Document) ContextBlock() *conversation.ContextBlock {
	return conversation.NewContextBlock(conversation.ContextBlockFile, d.Title, d.Content)
}

func File(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not open %s", path)
	}
	defer func() {
		_ = f.Close()
	}()
	return Reader(f, filepath.Base(path))
}

// Reader extracts a document from r. name is used to pick the format and as the fallback title.
func Reader(r io.Reader, name string) (*Document, error) {
	format, err := FormatFromFilename(name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read %s", name)
	}
	if len(data) > MaxSize {
		return nil, errors.Wrapf(ErrTooBig, "%s", name)
	}

	doc := &Document{Name: name, Format: format}
	switch format {
	case FormatMarkdown:
		doc.Title, doc.Content = markdownDocument(data)
	case FormatHTML:
		doc.Title, doc.Content, err = htmlDocument(data)
		if err != nil {
			return nil, errors.Wrapf(err, "could not parse %s", name)
		}
	case FormatText:
		doc.Content = strings.TrimSpace(string(data))
	}

	if doc.Content == "" {
		return nil, errors.Wrapf(ErrEmpty, "%s", name)
	}
	if doc.Title == "" {
		doc.Title = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return doc, nil
}

// markdownDocument keeps the markdown source as content. The first heading is the title.
func markdownDocument(source []byte) (string, string) {
	document := goldmark.DefaultParser().Parse(text.NewReader(source))

	title := ""
	_ = ast.Walk(document, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			title = strings.TrimSpace(string(h.Text(source)))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})

	return title, strings.TrimSpace(string(source))
}

func htmlDocument(data []byte) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", "", err
	}
	doc.Find("script, style, noscript, template").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	return title, collapse(body.Text()), nil
}

// collapse trims every line and drops runs of blank lines.
func collapse(s string) string {
	var lines []string
	blank := false
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			if !blank && len(lines) > 0 {
				lines = append(lines, "")
			}
			blank = true
			continue
		}
		blank = false
		lines = append(lines, line)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
